// SPDX-License-Identifier: GPL-2.0-or-later

// Package supervisor spawns and reaps one Stream Recorder per
// configured stream, runs the crash-recovery sweep at startup, and
// periodically enforces retention. Grounded on the teacher's
// monitor.Manager (which owns a set of running monitors keyed by
// name and reconciles them against on-disk config) generalized to
// read its stream list from the catalog instead of the filesystem.
package supervisor

import (
	"context"
	"os"
	"sync"
	"time"

	"lightnvr/pkg/catalog"
	"lightnvr/pkg/log"
	"lightnvr/pkg/recorder"
	"lightnvr/pkg/shutdown"
	"lightnvr/pkg/storage"
)

// diskPressureThreshold is the fraction of the storage volume's total
// capacity above which RetentionSweep purges the oldest complete
// recordings regardless of the configured retention window or
// storage budget, mirroring the teacher's near-full emergency purge.
const diskPressureThreshold = 0.95

// diskUsageSource reports cached disk usage for the storage volume.
// *storage.Monitor satisfies this; tests substitute a fake.
type diskUsageSource interface {
	Usage(maxAge time.Duration) (storage.Usage, error)
}

// runningRecorder tracks one spawned Recorder's cancel func alongside
// a generation number, so the goroutine that runs it can tell whether
// it is still the current occupant of s.running[name] before deleting
// itself out from under a newer spawn of the same stream.
type runningRecorder struct {
	cancel context.CancelFunc
	gen    uint64
}

// Supervisor owns the set of running Stream Recorders.
type Supervisor struct {
	cat    *catalog.Catalog
	coord  *shutdown.Coordinator
	logger *log.Logger

	mu      sync.Mutex
	running map[string]runningRecorder
	urls    map[string]string
	nextGen uint64
	wg      sync.WaitGroup

	disk diskUsageSource

	newRecorder func(streamName string, cat *catalog.Catalog, coord *shutdown.Coordinator, logger *log.Logger) recorderRunner
}

type recorderRunner interface {
	Run(ctx context.Context) error
}

// New returns a Supervisor reading and writing through cat.
func New(cat *catalog.Catalog, coord *shutdown.Coordinator, logger *log.Logger) *Supervisor {
	return &Supervisor{
		cat:     cat,
		coord:   coord,
		logger:  logger,
		running: make(map[string]runningRecorder),
		urls:    make(map[string]string),
		newRecorder: func(streamName string, cat *catalog.Catalog, coord *shutdown.Coordinator, logger *log.Logger) recorderRunner {
			return recorder.New(streamName, cat, coord, logger)
		},
	}
}

// SetDiskMonitor attaches a disk usage Monitor for the storage
// volume. When set, RetentionSweep purges the oldest complete
// recordings whenever the volume crosses diskPressureThreshold, on
// top of its normal age and budget based purging.
func (s *Supervisor) SetDiskMonitor(m *storage.Monitor) {
	s.disk = m
}

// SetDiskUsageSource is like SetDiskMonitor but accepts anything
// satisfying diskUsageSource, for use in tests.
func (s *Supervisor) SetDiskUsageSource(src diskUsageSource) {
	s.disk = src
}

// RecoverOrphans seals or deletes every is_complete=false row left
// behind by an unclean shutdown, before any Stream Recorder is
// spawned. Rows whose file still exists are sealed using the file's
// mtime as end_time and its on-disk size; rows whose file is missing
// are deleted outright.
func (s *Supervisor) RecoverOrphans() error {
	orphans, err := s.cat.OpenRecordings()
	if err != nil {
		return err
	}

	for _, rec := range orphans {
		info, statErr := os.Stat(rec.FilePath)
		if statErr != nil {
			if err := s.cat.DeleteRecording(rec.ID); err != nil {
				s.logger.Error().Src("supervisor").Stream(rec.StreamName).
					Msgf("delete orphan row %v: %v", rec.ID, err)
			}
			continue
		}
		if err := s.cat.UpdateRecording(rec.ID, info.ModTime().Unix(), info.Size(), true); err != nil {
			s.logger.Error().Src("supervisor").Stream(rec.StreamName).
				Msgf("seal orphan row %v: %v", rec.ID, err)
		}
	}
	return nil
}

// Start spawns one Stream Recorder per enabled configured stream and
// begins the reconciliation loop, which polls the catalog for
// enable/disable/URL changes at pollInterval until ctx is canceled.
func (s *Supervisor) Start(ctx context.Context, pollInterval time.Duration) error {
	if err := s.reconcile(ctx); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.reconcile(ctx); err != nil {
					s.logger.Error().Src("supervisor").Msgf("reconcile: %v", err)
				}
			}
		}
	}()

	return nil
}

// reconcile spawns Recorders for newly-enabled streams, force-stops
// Recorders for deleted streams or ones whose URL changed (a URL
// change cannot be applied by the Recorder itself mid-segment, so the
// Supervisor tears it down and starts fresh), and otherwise leaves a
// disabled stream's Recorder running: it already re-reads cfg.Enabled
// itself each iteration and exits cleanly at its next segment
// boundary, per spec's "changes take effect at the next segment
// boundary" rule. Forcing cancellation here would truncate the
// in-flight segment early through the same path used for shutdown.
func (s *Supervisor) reconcile(ctx context.Context) error {
	cfgs, err := s.cat.ListStreamConfigs()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		seen[cfg.Name] = true

		entry, running := s.running[cfg.Name]
		urlChanged := running && cfg.Enabled && s.urls[cfg.Name] != cfg.URL

		if running && urlChanged {
			entry.cancel()
			delete(s.running, cfg.Name)
			delete(s.urls, cfg.Name)
			running = false
		}

		if !running && cfg.Enabled {
			s.spawn(ctx, cfg.Name, cfg.URL)
		}
	}

	for name, entry := range s.running {
		if !seen[name] {
			entry.cancel()
			delete(s.running, name)
			delete(s.urls, name)
		}
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, name, url string) {
	s.nextGen++
	gen := s.nextGen

	recCtx, cancel := context.WithCancel(ctx)
	s.running[name] = runningRecorder{cancel: cancel, gen: gen}
	s.urls[name] = url

	rec := s.newRecorder(name, s.cat, s.coord, s.logger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := rec.Run(recCtx); err != nil {
			s.logger.Error().Src("supervisor").Stream(name).Msgf("recorder exited: %v", err)
		}

		// Remove ourselves from the bookkeeping maps, but only if we're
		// still the current occupant: a disabled stream's Recorder can
		// exit on its own well after reconcile has already spawned a
		// fresh one for the same name (e.g. re-enabled in the meantime).
		s.mu.Lock()
		if cur, ok := s.running[name]; ok && cur.gen == gen {
			delete(s.running, name)
			delete(s.urls, name)
		}
		s.mu.Unlock()
	}()
}

// Wait blocks until every spawned Recorder goroutine has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// RetentionSweep deletes complete recordings older than retentionDays,
// and, if maxStorageGB is nonzero and autoDeleteOldest is set,
// additionally deletes the globally oldest complete recordings first
// until usage falls back under budget. File removal and catalog row
// deletion happen together per recording, so the two are never left
// inconsistent for more than one iteration.
func (s *Supervisor) RetentionSweep(retentionDays int, maxStorageGB int, autoDeleteOldest bool) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()

	stale, err := s.cat.CompleteRecordingsOlderThan(cutoff)
	if err != nil {
		return err
	}
	for _, rec := range stale {
		s.deleteRecordingFile(rec)
	}

	if maxStorageGB > 0 && autoDeleteOldest {
		budget := int64(maxStorageGB) * 1_000_000_000
		if err := s.enforceStorageBudget(budget); err != nil {
			return err
		}
	}

	if err := s.enforceDiskPressure(); err != nil {
		return err
	}
	return nil
}

// enforceDiskPressure purges the oldest complete recordings while the
// storage volume remains above diskPressureThreshold. It runs
// regardless of maxStorageGB/autoDeleteOldest, since a full volume
// stops recording entirely and takes priority over the configured
// budget.
func (s *Supervisor) enforceDiskPressure() error {
	if s.disk == nil {
		return nil
	}

	const batchSize = 50
	for {
		usage, err := s.disk.Usage(0)
		if err != nil {
			return err
		}
		if usage.Percent < diskPressureThreshold*100 {
			return nil
		}

		oldest, err := s.cat.OldestCompleteRecordings(batchSize)
		if err != nil {
			return err
		}
		if len(oldest) == 0 {
			s.logger.Warn().Src("supervisor").
				Msgf("storage volume at %.1f%% full with no complete recordings left to purge", usage.Percent)
			return nil
		}
		for _, rec := range oldest {
			s.deleteRecordingFile(rec)
		}
	}
}

func (s *Supervisor) enforceStorageBudget(budgetBytes int64) error {
	const batchSize = 50
	for {
		used, err := s.cat.TotalCompleteSize()
		if err != nil {
			return err
		}
		if used <= budgetBytes {
			return nil
		}

		oldest, err := s.cat.OldestCompleteRecordings(batchSize)
		if err != nil {
			return err
		}
		if len(oldest) == 0 {
			return nil
		}
		for _, rec := range oldest {
			s.deleteRecordingFile(rec)
		}
	}
}

func (s *Supervisor) deleteRecordingFile(rec catalog.Recording) {
	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		s.logger.Error().Src("supervisor").Stream(rec.StreamName).
			Msgf("remove recording file %v: %v", rec.FilePath, err)
	}
	if err := s.cat.DeleteRecording(rec.ID); err != nil {
		s.logger.Error().Src("supervisor").Stream(rec.StreamName).
			Msgf("delete recording row %v: %v", rec.ID, err)
	}
}
