// SPDX-License-Identifier: GPL-2.0-or-later

// Package catalog is the durable, transactional metadata store tying
// recording files on disk to a relational row. It is backed by a
// pure-Go, cgo-free embedded SQL engine (gorm over glebarez/sqlite)
// rather than a hand-rolled file format or filesystem crawl.
package catalog

// Recording is one catalog row: a 64-bit monotonic ID mapping to a
// file, its stream, and its lifecycle.
type Recording struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	StreamName string `gorm:"index;not null"`
	FilePath   string `gorm:"uniqueIndex;not null"`
	StartTime  int64  `gorm:"not null"` // unix seconds, wall clock
	EndTime    int64  `gorm:"not null;default:0"`
	SizeBytes  int64  `gorm:"not null;default:0"`
	IsComplete bool   `gorm:"not null;default:false;index"`
}

// StreamConfig is one configured stream, mutated only through the
// Catalog by the Supervisor's admin path (out of scope here).
type StreamConfig struct {
	Name            string `gorm:"primaryKey"`
	URL             string `gorm:"not null"`
	SegmentDuration int    `gorm:"not null;default:30"`
	RecordAudio     bool   `gorm:"not null;default:false"`
	Enabled         bool   `gorm:"not null;default:true"`
	OutputDir       string `gorm:"not null"`
}
