// SPDX-License-Identifier: GPL-2.0-or-later

package recorder

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lightnvr/pkg/catalog"
	"lightnvr/pkg/log"
	"lightnvr/pkg/rtsp"
	"lightnvr/pkg/segment"
	"lightnvr/pkg/shutdown"
	"lightnvr/pkg/timestamp"
)

func newTestRecorder(t *testing.T) (*Recorder, *catalog.Catalog, string) {
	dir, err := os.MkdirTemp("", "")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	require.NoError(t, cat.UpsertStreamConfig(catalog.StreamConfig{
		Name: "front-door", URL: "rtsp://cam/1", SegmentDuration: 30,
		RecordAudio: false, Enabled: true, OutputDir: dir,
	}))

	logger := log.NewLogger(&sync.WaitGroup{})
	coord := shutdown.New()
	r := New("front-door", cat, coord, logger)
	r.sleep = func(context.Context, time.Duration) {}
	return r, cat, dir
}

func TestRunRotatesAndSealsPreviousRow(t *testing.T) {
	r, cat, dir := newTestRecorder(t)

	var calls int32
	r.recordSegment = func(
		_ context.Context, _, outputPath string, _ segment.Config,
		_ *rtsp.Session, _ *segment.Continuity, _ *timestamp.Normalizer, _ *log.Logger,
	) (*rtsp.Session, error) {
		require.NoError(t, os.WriteFile(outputPath, []byte("mp4"), 0o600))
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for atomic.LoadInt32(&calls) < 3 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	err := r.Run(ctx)
	require.NoError(t, err)

	recs, err := cat.OpenRecordings()
	require.NoError(t, err)
	require.Empty(t, recs, "final row must be sealed on shutdown")

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	var mp4Count int
	for _, f := range files {
		if filepath.Ext(f.Name()) == ".mp4" {
			mp4Count++
		}
	}
	require.GreaterOrEqual(t, mp4Count, 3)
}

func TestRunStopsWhenStreamNotConfigured(t *testing.T) {
	r, cat, _ := newTestRecorder(t)
	_ = cat

	dbcfg, err := cat.GetStreamConfig("front-door")
	require.NoError(t, err)
	require.NoError(t, cat.DeleteStreamConfig(dbcfg.Name))

	r.recordSegment = func(
		context.Context, string, string, segment.Config,
		*rtsp.Session, *segment.Continuity, *timestamp.Normalizer, *log.Logger,
	) (*rtsp.Session, error) {
		t.Fatal("recordSegment must not be called once the stream is unconfigured")
		return nil, nil
	}

	err = r.Run(context.Background())
	require.ErrorIs(t, err, ErrStreamNotConfigured)
}

func TestRunStopsWhenDisabled(t *testing.T) {
	r, cat, _ := newTestRecorder(t)

	cfg, err := cat.GetStreamConfig("front-door")
	require.NoError(t, err)
	cfg.Enabled = false
	require.NoError(t, cat.UpsertStreamConfig(cfg))

	r.recordSegment = func(
		context.Context, string, string, segment.Config,
		*rtsp.Session, *segment.Continuity, *timestamp.Normalizer, *log.Logger,
	) (*rtsp.Session, error) {
		t.Fatal("recordSegment must not be called for a disabled stream")
		return nil, nil
	}

	require.NoError(t, r.Run(context.Background()))
}

func TestRunResetsContinuityAfterConsecutiveFailures(t *testing.T) {
	r, _, _ := newTestRecorder(t)
	r.continuity = segment.Continuity{SegmentIndex: 7, LastFrameWasKey: true}

	var calls int32
	r.recordSegment = func(
		context.Context, string, string, segment.Config,
		*rtsp.Session, *segment.Continuity, *timestamp.Normalizer, *log.Logger,
	) (*rtsp.Session, error) {
		atomic.AddInt32(&calls, 1)
		return nil, rtsp.ErrInputOpenFailed
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for atomic.LoadInt32(&calls) <= int32(maxConsecutiveFailures)+1 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	require.NoError(t, r.Run(ctx))
	require.Equal(t, segment.Continuity{}, r.continuity)
}

func TestBackoffCapsAtMax(t *testing.T) {
	require.Equal(t, 1*time.Second, backoff(0))
	require.Equal(t, 2*time.Second, backoff(1))
	require.Equal(t, 4*time.Second, backoff(2))
	require.Equal(t, 16*time.Second, backoff(4))
	require.Equal(t, 16*time.Second, backoff(10))
	require.LessOrEqual(t, backoff(100), maxBackoff)
}

func TestRotationPathFormat(t *testing.T) {
	r, _, dir := newTestRecorder(t)
	r.now = func() time.Time { return time.Date(2026, 8, 6, 13, 4, 5, 0, time.Local) }

	got := r.rotationPath(dir)
	require.Equal(t, filepath.Join(dir, "recording_20260806_130405.mp4"), got)
}
