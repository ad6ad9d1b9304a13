// SPDX-License-Identifier: GPL-2.0-or-later

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lightnvr/pkg/catalog"
	"lightnvr/pkg/log"
	"lightnvr/pkg/shutdown"
	"lightnvr/pkg/storage"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *catalog.Catalog, string) {
	dir, err := os.MkdirTemp("", "")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	logger := log.NewLogger(&sync.WaitGroup{})
	coord := shutdown.New()
	s := New(cat, coord, logger)
	return s, cat, dir
}

type fakeRunner struct {
	started chan struct{}
	ctx     context.Context
}

func (f *fakeRunner) Run(ctx context.Context) error {
	f.ctx = ctx
	close(f.started)
	<-ctx.Done()
	return nil
}

// runnerFunc adapts a plain function to recorderRunner, for tests that
// simulate a Recorder exiting on its own (e.g. once disabled) rather
// than being force-canceled.
type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func TestRecoverOrphansSealsExistingFile(t *testing.T) {
	s, cat, dir := newTestSupervisor(t)

	path := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))

	id, err := cat.BeginRecording("front-door", path, 1000)
	require.NoError(t, err)

	require.NoError(t, s.RecoverOrphans())

	recs, err := cat.OpenRecordings()
	require.NoError(t, err)
	require.Empty(t, recs)

	rec, err := cat.GetRecording(id)
	require.NoError(t, err)
	require.True(t, rec.IsComplete)
	require.EqualValues(t, len("data"), rec.SizeBytes)
}

func TestRecoverOrphansDeletesMissingFile(t *testing.T) {
	s, cat, dir := newTestSupervisor(t)

	path := filepath.Join(dir, "missing.mp4")
	_, err := cat.BeginRecording("front-door", path, 1000)
	require.NoError(t, err)

	require.NoError(t, s.RecoverOrphans())

	recs, err := cat.OpenRecordings()
	require.NoError(t, err)
	require.Empty(t, recs)

	all, err := cat.CompleteRecordingsOlderThan(9999999999)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestReconcileSpawnsAndStopsRecorders(t *testing.T) {
	s, cat, dir := newTestSupervisor(t)

	require.NoError(t, cat.UpsertStreamConfig(catalog.StreamConfig{
		Name: "front-door", URL: "rtsp://cam/1", SegmentDuration: 30,
		Enabled: true, OutputDir: dir,
	}))

	var runner *fakeRunner
	s.newRecorder = func(name string, _ *catalog.Catalog, _ *shutdown.Coordinator, _ *log.Logger) recorderRunner {
		runner = &fakeRunner{started: make(chan struct{})}
		return runner
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx, time.Hour))

	select {
	case <-runner.started:
	case <-time.After(time.Second):
		t.Fatal("recorder was never started")
	}

	require.Len(t, s.running, 1)

	cancel()
	s.Wait()
}

func TestReconcileDoesNotForceCancelOnPlainDisable(t *testing.T) {
	s, cat, dir := newTestSupervisor(t)

	require.NoError(t, cat.UpsertStreamConfig(catalog.StreamConfig{
		Name: "front-door", URL: "rtsp://cam/1", SegmentDuration: 30,
		Enabled: true, OutputDir: dir,
	}))

	var runner *fakeRunner
	s.newRecorder = func(name string, _ *catalog.Catalog, _ *shutdown.Coordinator, _ *log.Logger) recorderRunner {
		runner = &fakeRunner{started: make(chan struct{})}
		return runner
	}

	ctx := context.Background()
	require.NoError(t, s.reconcile(ctx))
	<-runner.started
	require.Len(t, s.running, 1)

	cfg, err := cat.GetStreamConfig("front-door")
	require.NoError(t, err)
	cfg.Enabled = false
	require.NoError(t, cat.UpsertStreamConfig(cfg))

	require.NoError(t, s.reconcile(ctx))
	require.Len(t, s.running, 1,
		"a plain disable must not force-stop the Recorder; it is expected to exit on its own at the next segment boundary")
	require.NoError(t, runner.ctx.Err(),
		"the Recorder's context must not be canceled by the Supervisor on a plain disable")
}

func TestRunningMapClearsAfterRecorderExitsOnItsOwn(t *testing.T) {
	s, cat, dir := newTestSupervisor(t)

	require.NoError(t, cat.UpsertStreamConfig(catalog.StreamConfig{
		Name: "front-door", URL: "rtsp://cam/1", SegmentDuration: 30,
		Enabled: true, OutputDir: dir,
	}))

	exit := make(chan struct{})
	s.newRecorder = func(name string, _ *catalog.Catalog, _ *shutdown.Coordinator, _ *log.Logger) recorderRunner {
		return runnerFunc(func(ctx context.Context) error {
			<-exit
			return nil
		})
	}

	ctx := context.Background()
	require.NoError(t, s.reconcile(ctx))
	require.Len(t, s.running, 1)

	close(exit)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.running, 0)
	require.Len(t, s.urls, 0)
}

func TestReconcileForceStopsOnURLChange(t *testing.T) {
	s, cat, dir := newTestSupervisor(t)

	require.NoError(t, cat.UpsertStreamConfig(catalog.StreamConfig{
		Name: "front-door", URL: "rtsp://cam/1", SegmentDuration: 30,
		Enabled: true, OutputDir: dir,
	}))

	var runner *fakeRunner
	s.newRecorder = func(name string, _ *catalog.Catalog, _ *shutdown.Coordinator, _ *log.Logger) recorderRunner {
		runner = &fakeRunner{started: make(chan struct{})}
		return runner
	}

	ctx := context.Background()
	require.NoError(t, s.reconcile(ctx))
	<-runner.started
	first := runner

	cfg, err := cat.GetStreamConfig("front-door")
	require.NoError(t, err)
	cfg.URL = "rtsp://cam/2"
	require.NoError(t, cat.UpsertStreamConfig(cfg))

	require.NoError(t, s.reconcile(ctx))
	require.Error(t, first.ctx.Err(), "a URL change must force-cancel the old Recorder")
	require.Equal(t, "rtsp://cam/2", s.urls["front-door"])
}

func TestReconcileStopsDeletedStream(t *testing.T) {
	s, cat, dir := newTestSupervisor(t)

	require.NoError(t, cat.UpsertStreamConfig(catalog.StreamConfig{
		Name: "front-door", URL: "rtsp://cam/1", SegmentDuration: 30,
		Enabled: true, OutputDir: dir,
	}))

	var runner *fakeRunner
	s.newRecorder = func(name string, _ *catalog.Catalog, _ *shutdown.Coordinator, _ *log.Logger) recorderRunner {
		runner = &fakeRunner{started: make(chan struct{})}
		return runner
	}

	ctx := context.Background()
	require.NoError(t, s.reconcile(ctx))
	<-runner.started

	require.NoError(t, cat.DeleteStreamConfig("front-door"))

	require.NoError(t, s.reconcile(ctx))
	require.Error(t, runner.ctx.Err(), "a deleted stream must force-cancel its Recorder")
	require.Len(t, s.running, 0)
}

func TestRetentionSweepDeletesOldCompleteRecordings(t *testing.T) {
	s, cat, dir := newTestSupervisor(t)

	path := filepath.Join(dir, "old.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	id, err := cat.BeginRecording("front-door", path, 1)
	require.NoError(t, err)
	require.NoError(t, cat.UpdateRecording(id, 2, 1, true))

	require.NoError(t, s.RetentionSweep(0, 0, false))

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	all, err := cat.CompleteRecordingsOlderThan(time.Now().Unix())
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestRetentionSweepEnforcesStorageBudget(t *testing.T) {
	s, cat, dir := newTestSupervisor(t)

	now := time.Now().Unix()
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, "rec"+string(rune('a'+i))+".mp4")
		require.NoError(t, os.WriteFile(path, make([]byte, 1000), 0o600))
		id, err := cat.BeginRecording("front-door", path, now+int64(i))
		require.NoError(t, err)
		require.NoError(t, cat.UpdateRecording(id, now+int64(i)+30, 500_000_000, true))
	}

	// Recent recordings under a ten-year window: nothing is stale by
	// age, but the catalog rows total 1.5 GB and the 1 GB budget forces
	// the oldest recordings out.
	require.NoError(t, s.RetentionSweep(3650, 0, false))

	total, err := cat.TotalCompleteSize()
	require.NoError(t, err)
	require.EqualValues(t, 1_500_000_000, total)

	err = s.RetentionSweep(3650, 1, true)
	require.NoError(t, err)

	total, err = cat.TotalCompleteSize()
	require.NoError(t, err)
	require.Less(t, total, int64(1_500_000_000))
}

type fakeDiskUsage struct{ percent float64 }

func (f *fakeDiskUsage) Usage(time.Duration) (storage.Usage, error) {
	return storage.Usage{Percent: f.percent}, nil
}

func TestRetentionSweepPurgesUnderDiskPressure(t *testing.T) {
	s, cat, dir := newTestSupervisor(t)
	s.SetDiskUsageSource(&fakeDiskUsage{percent: 99})

	path := filepath.Join(dir, "hot.mp4")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
	id, err := cat.BeginRecording("front-door", path, time.Now().Unix())
	require.NoError(t, err)
	require.NoError(t, cat.UpdateRecording(id, time.Now().Unix(), 4, true))

	// Retention window is generous and no storage budget is set, but
	// the fake disk usage source reports the volume as nearly full, so
	// RetentionSweep must still purge the recording.
	require.NoError(t, s.RetentionSweep(3650, 0, false))

	all, err := cat.CompleteRecordingsOlderThan(time.Now().Unix() + 1)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestRetentionSweepLeavesRecordingsWhenDiskNotUnderPressure(t *testing.T) {
	s, cat, dir := newTestSupervisor(t)
	s.SetDiskUsageSource(&fakeDiskUsage{percent: 10})

	path := filepath.Join(dir, "cool.mp4")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
	id, err := cat.BeginRecording("front-door", path, time.Now().Unix())
	require.NoError(t, err)
	require.NoError(t, cat.UpdateRecording(id, time.Now().Unix(), 4, true))

	require.NoError(t, s.RetentionSweep(3650, 0, false))

	all, err := cat.CompleteRecordingsOlderThan(time.Now().Unix() + 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
