// SPDX-License-Identifier: GPL-2.0-or-later

package catalog

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrWriteFailed wraps every catalog write failure, matching the
// error taxonomy's catalog_write_failed kind.
var ErrWriteFailed = errors.New("catalog: write failed")

// ErrNotFound is returned by GetStreamConfig when no row matches.
var ErrNotFound = errors.New("catalog: not found")

// Catalog is the recordings/streams metadata store.
type Catalog struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// migrates the schema.
func Open(path string) (*Catalog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open catalog %v: %w", path, err)
	}
	if err := db.AutoMigrate(&Recording{}, &StreamConfig{}); err != nil {
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// BeginRecording atomically inserts an open (is_complete=false) row
// and returns its id. The new row is always inserted before the
// caller seals any prior row for the same stream, so a reader may
// transiently observe two open rows for one stream — this is the
// preserved rotation-race ordering, see DESIGN.md.
func (c *Catalog) BeginRecording(streamName, filePath string, startTime int64) (int64, error) {
	rec := Recording{
		StreamName: streamName,
		FilePath:   filePath,
		StartTime:  startTime,
		EndTime:    0,
		SizeBytes:  0,
		IsComplete: false,
	}
	if err := c.db.Create(&rec).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return rec.ID, nil
}

// UpdateRecording partially updates a row: if endTimeOrZero is 0,
// end_time is left unchanged. Sealing (markComplete=true) is
// idempotent: applying it twice yields the same row state.
func (c *Catalog) UpdateRecording(id int64, endTimeOrZero, sizeBytes int64, markComplete bool) error {
	updates := map[string]interface{}{"size_bytes": sizeBytes}
	if endTimeOrZero != 0 {
		updates["end_time"] = endTimeOrZero
	}
	if markComplete {
		updates["is_complete"] = true
	}
	res := c.db.Model(&Recording{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, res.Error)
	}
	return nil
}

// GetStreamConfig reads the current configuration for name.
func (c *Catalog) GetStreamConfig(name string) (StreamConfig, error) {
	var cfg StreamConfig
	err := c.db.Where("name = ?", name).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StreamConfig{}, ErrNotFound
	}
	if err != nil {
		return StreamConfig{}, fmt.Errorf("get stream config %v: %w", name, err)
	}
	return cfg, nil
}

// ListStreamConfigs returns every configured stream, used by the
// Supervisor at startup to spawn one Recorder per stream.
func (c *Catalog) ListStreamConfigs() ([]StreamConfig, error) {
	var cfgs []StreamConfig
	if err := c.db.Find(&cfgs).Error; err != nil {
		return nil, fmt.Errorf("list stream configs: %w", err)
	}
	return cfgs, nil
}

// UpsertStreamConfig creates or replaces a stream's configuration.
func (c *Catalog) UpsertStreamConfig(cfg StreamConfig) error {
	if err := c.db.Save(&cfg).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// OpenRecordingForStream returns the current is_complete=false row for
// streamName, if any.
func (c *Catalog) OpenRecordingForStream(streamName string) (Recording, bool, error) {
	var rec Recording
	err := c.db.Where("stream_name = ? AND is_complete = ?", streamName, false).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Recording{}, false, nil
	}
	if err != nil {
		return Recording{}, false, fmt.Errorf("open recording for %v: %w", streamName, err)
	}
	return rec, true, nil
}

// OpenRecordings returns every is_complete=false row, used by the
// Supervisor's crash-recovery sweep at startup.
func (c *Catalog) OpenRecordings() ([]Recording, error) {
	var recs []Recording
	if err := c.db.Where("is_complete = ?", false).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list open recordings: %w", err)
	}
	return recs, nil
}

// CompleteRecordingsOlderThan returns is_complete=true rows whose
// start_time is before cutoff, oldest first, used by the retention
// sweep.
func (c *Catalog) CompleteRecordingsOlderThan(cutoff int64) ([]Recording, error) {
	var recs []Recording
	err := c.db.Where("is_complete = ? AND start_time < ?", true, cutoff).
		Order("start_time asc").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list old recordings: %w", err)
	}
	return recs, nil
}

// OldestCompleteRecordings returns up to limit complete rows, globally
// oldest first, used by the max_storage_gb overflow fallback.
func (c *Catalog) OldestCompleteRecordings(limit int) ([]Recording, error) {
	var recs []Recording
	err := c.db.Where("is_complete = ?", true).Order("start_time asc").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list oldest recordings: %w", err)
	}
	return recs, nil
}

// GetRecording reads a single row by id.
func (c *Catalog) GetRecording(id int64) (Recording, error) {
	var rec Recording
	if err := c.db.First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Recording{}, ErrNotFound
		}
		return Recording{}, fmt.Errorf("get recording %v: %w", id, err)
	}
	return rec, nil
}

// TotalCompleteSize sums size_bytes across every complete recording,
// used by the retention sweep's storage-budget check.
func (c *Catalog) TotalCompleteSize() (int64, error) {
	var total int64
	row := c.db.Model(&Recording{}).Where("is_complete = ?", true).
		Select("COALESCE(SUM(size_bytes), 0)").Row()
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum recording sizes: %w", err)
	}
	return total, nil
}

// DeleteStreamConfig removes a stream's configuration row.
func (c *Catalog) DeleteStreamConfig(name string) error {
	if err := c.db.Delete(&StreamConfig{}, "name = ?", name).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// DeleteRecording removes a row, used once its file has been (or
// could not be) removed by the retention sweep.
func (c *Catalog) DeleteRecording(id int64) error {
	if err := c.db.Delete(&Recording{}, id).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}
