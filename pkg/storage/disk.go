// SPDX-License-Identifier: GPL-2.0-or-later

// Package storage reports disk usage for the storage root, caching the
// result the way the teacher's pkg/storage/storage.go caches its own
// disk-usage calculation, but backed by the real
// github.com/shirou/gopsutil/v3/disk syscall wrapper instead of an
// fs.WalkDir byte count, since the storage root here holds nothing but
// this process's own recordings.
package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// Usage is a point-in-time disk usage reading for one path.
type Usage struct {
	UsedBytes  uint64
	TotalBytes uint64
	Percent    float64
}

type statFunc func(path string) (*disk.UsageStat, error)

// Monitor caches disk usage readings for one path, refreshing only
// when the cache is older than the caller's requested max age.
type Monitor struct {
	path string
	stat statFunc

	mu         sync.Mutex
	cache      Usage
	lastUpdate time.Time
}

// NewMonitor returns a Monitor for path.
func NewMonitor(path string) *Monitor {
	return &Monitor{path: path, stat: disk.Usage}
}

// Usage returns the cached reading if it is within maxAge, otherwise
// blocks to refresh it.
func (m *Monitor) Usage(maxAge time.Duration) (Usage, error) {
	m.mu.Lock()
	if time.Since(m.lastUpdate) < maxAge {
		defer m.mu.Unlock()
		return m.cache, nil
	}
	m.mu.Unlock()

	stat, err := m.stat(m.path)
	if err != nil {
		return Usage{}, fmt.Errorf("disk usage of %v: %w", m.path, err)
	}

	usage := Usage{UsedBytes: stat.Used, TotalBytes: stat.Total, Percent: stat.UsedPercent}

	m.mu.Lock()
	m.cache = usage
	m.lastUpdate = time.Now()
	m.mu.Unlock()

	return usage, nil
}
