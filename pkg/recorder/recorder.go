// SPDX-License-Identifier: GPL-2.0-or-later

// Package recorder is the long-lived per-stream worker: it owns one
// RTSP input session, one Segment Continuity State, and at most one
// open catalog row at a time, driving pkg/segment one fixed-duration
// file at a time. Grounded on the teacher's pkg/monitor/recorder.go
// startRecorder loop, generalized from an ffmpeg subprocess supervisor
// to a native Go remux loop.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"lightnvr/pkg/catalog"
	"lightnvr/pkg/log"
	"lightnvr/pkg/rtsp"
	"lightnvr/pkg/segment"
	"lightnvr/pkg/shutdown"
	"lightnvr/pkg/timestamp"
)

// maxConsecutiveFailures is how many segment failures in a row are
// tolerated; one more forces the input session closed so the next
// attempt reopens the RTSP connection from scratch.
const maxConsecutiveFailures = 5

// maxBackoff caps the exponential retry sleep.
const maxBackoff = 30 * time.Second

// Recorder drives one stream's recording loop until its context is
// canceled or the stream is removed from the catalog.
type Recorder struct {
	streamName string
	cat        *catalog.Catalog
	coord      *shutdown.Coordinator
	logger     *log.Logger

	componentID shutdown.ID

	session    *rtsp.Session
	continuity segment.Continuity
	norm       *timestamp.Normalizer

	lastURL  string
	openID   int64
	openPath string
	hasOpen  bool

	now func() time.Time

	// recordSegment is segment.RecordSegment by default; overridable in
	// tests so the recording loop can be exercised without a live RTSP
	// source, mirroring the teacher's runRecordingProcess field.
	recordSegment func(
		ctx context.Context, url, outputPath string, cfg segment.Config,
		session *rtsp.Session, continuity *segment.Continuity, norm *timestamp.Normalizer, logger *log.Logger,
	) (*rtsp.Session, error)

	// sleep is interruptibleSleep by default; overridable in tests so
	// retry backoff doesn't slow the suite down.
	sleep func(context.Context, time.Duration)
}

// interruptibleSleep blocks for d or until ctx is canceled, whichever
// comes first, so a Recorder mid-backoff notices shutdown immediately
// instead of running out its full sleep first.
func interruptibleSleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// New returns a Recorder for streamName, not yet registered or
// running.
func New(streamName string, cat *catalog.Catalog, coord *shutdown.Coordinator, logger *log.Logger) *Recorder {
	return &Recorder{
		streamName:    streamName,
		cat:           cat,
		coord:         coord,
		logger:        logger,
		norm:          timestamp.New(logger, streamName),
		now:           time.Now,
		recordSegment: segment.RecordSegment,
		sleep:         interruptibleSleep,
	}
}

// Run registers the Recorder with the Coordinator and blocks,
// producing segments until ctx is canceled or shutdown is initiated,
// then seals any open catalog row and returns.
func (r *Recorder) Run(ctx context.Context) error {
	r.componentID = r.coord.Register(r.streamName, "recorder", r, shutdown.RecorderPriority)
	r.coord.UpdateState(r.componentID, shutdown.Running)
	defer r.coord.UpdateState(r.componentID, shutdown.Stopped)

	failCount := 0

	for {
		if ctx.Err() != nil || r.coord.IsShutdownInitiated() {
			break
		}

		cfg, err := r.cat.GetStreamConfig(r.streamName)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				r.logger.Warn().Src("recorder").Stream(r.streamName).Msg("stream no longer configured, stopping")
				return fmt.Errorf("%w: %v", ErrStreamNotConfigured, r.streamName)
			}
			r.logger.Error().Src("recorder").Stream(r.streamName).Msgf("read config: %v", err)
			r.sleep(ctx, time.Second)
			continue
		}
		if !cfg.Enabled {
			r.logger.Info().Src("recorder").Stream(r.streamName).Msg("stream disabled, stopping")
			break
		}

		if r.lastURL != "" && r.lastURL != cfg.URL && r.session != nil {
			r.session.Close()
			r.session = nil
		}
		r.lastURL = cfg.URL

		outputPath := r.rotationPath(cfg.OutputDir)
		newID, err := r.cat.BeginRecording(r.streamName, outputPath, r.now().Unix())
		if err != nil {
			r.logger.Error().Src("recorder").Stream(r.streamName).Msgf("begin recording row: %v", err)
			r.sleep(ctx, time.Second)
			continue
		}
		if r.hasOpen {
			r.sealRowUnconditional(r.openID, r.openPath)
		}
		r.openID, r.openPath, r.hasOpen = newID, outputPath, true

		segCfg := segment.Config{
			MaxDuration:  time.Duration(cfg.SegmentDuration) * time.Second,
			IncludeAudio: cfg.RecordAudio,
		}

		session, err := r.recordSegment(
			ctx, cfg.URL, outputPath, segCfg, r.session, &r.continuity, r.norm, r.logger,
		)
		r.session = session

		if err != nil {
			failCount++
			r.logger.Error().Src("recorder").Stream(r.streamName).
				Msgf("segment failed (%v consecutive): %v", failCount, err)

			r.sealRowUnconditional(r.openID, outputPath)
			r.hasOpen = false

			if failCount > maxConsecutiveFailures {
				if r.session != nil {
					r.session.Close()
					r.session = nil
				}
				r.continuity = segment.Continuity{}
			}

			// backoff takes the pre-increment retry count so the first
			// failure sleeps 1s, not 2s.
			r.sleep(ctx, backoff(failCount - 1))
			continue
		}

		failCount = 0
		size := fileSize(outputPath)
		if err := r.cat.UpdateRecording(r.openID, 0, size, false); err != nil {
			r.logger.Error().Src("recorder").Stream(r.streamName).Msgf("update recording size: %v", err)
		}
	}

	if r.hasOpen {
		r.sealRowUnconditional(r.openID, r.openPath)
		r.hasOpen = false
	}
	if r.session != nil {
		r.session.Close()
	}
	return nil
}

func (r *Recorder) rotationPath(outputDir string) string {
	name := "recording_" + r.now().Format("20060102_150405") + ".mp4"
	return filepath.Join(outputDir, name)
}

// sealRowUnconditional marks id complete using the previously known
// output path's on-disk size; a stat failure yields size 0 rather
// than blocking the seal, per the catalog's own warn-level tolerance.
func (r *Recorder) sealRowUnconditional(id int64, path string) {
	size := int64(0)
	if path != "" {
		size = fileSize(path)
	}
	if err := r.cat.UpdateRecording(id, r.now().Unix(), size, true); err != nil {
		r.logger.Error().Src("recorder").Stream(r.streamName).Msgf("seal recording %v: %v", id, err)
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func backoff(failCount int) time.Duration {
	exp := failCount
	if exp > 4 {
		exp = 4
	}
	d := time.Duration(1<<uint(exp)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
