package processor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"frameshift/internal/executor"
	"frameshift/internal/store"
)

var memdbCounter int
var memdbMu sync.Mutex

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	memdbMu.Lock()
	memdbCounter++
	name := fmt.Sprintf("file:procmemdb%d?mode=memory&cache=shared", memdbCounter)
	memdbMu.Unlock()

	db, err := sql.Open("sqlite", name)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := store.New(context.Background(), db)
	require.NoError(t, err)
	return s
}

// fakeExecutor completes whatever job it is given after emitting two
// canned progress events, mirroring scenario S1's mock executor.
type fakeExecutor struct {
	mu       sync.Mutex
	progress executor.ProgressFunc
}

func (f *fakeExecutor) OnProgress(fn executor.ProgressFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = fn
}

func (f *fakeExecutor) Execute(ctx context.Context, job executor.Job, cmd executor.Command) (executor.Result, error) {
	f.mu.Lock()
	cb := f.progress
	f.mu.Unlock()
	if cb != nil {
		cb(executor.ProgressEvent{ProgressPC: 50, TotalFrames: 200})
		cb(executor.ProgressEvent{ProgressPC: 100, TotalFrames: 200})
	}
	return executor.Result{Success: true, Output: cmd.OutputPath}, nil
}

func (f *fakeExecutor) Kill(jobID int64) {}

type recordingBus struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBus) Publish(event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func TestSequentialProcessingStandalone(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Create(ctx, store.NewJobInput{Name: "A", InputPath: "/m/a.mp4", OutputPath: "/m/a.out.mp4"})
	require.NoError(t, err)
	_, err = st.Create(ctx, store.NewJobInput{Name: "B", InputPath: "/m/b.mp4", OutputPath: "/m/b.out.mp4"})
	require.NoError(t, err)

	exec := &fakeExecutor{}
	bus := &recordingBus{}
	p := New(st, exec, bus, "standalone", WithCheckInterval(time.Hour))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.Start(runCtx, true)
	p.Trigger()

	require.Eventually(t, func() bool {
		counts, err := st.GetStatusCounts(ctx)
		require.NoError(t, err)
		return counts.Completed == 2
	}, 2*time.Second, 10*time.Millisecond)

	p.Stop()

	events := bus.snapshot()
	require.Contains(t, events, "job:start")
	require.Contains(t, events, "job:progress")
	require.Contains(t, events, "job:complete")
}

func TestOnProgressPersistsTrueTotalFramesNotCurrentFrame(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, store.NewJobInput{Name: "A", InputPath: "/m/a.mp4", OutputPath: "/m/a.out.mp4"})
	require.NoError(t, err)

	exec := &fakeExecutor{}
	bus := &recordingBus{}
	p := New(st, exec, bus, "standalone", WithCheckInterval(time.Hour))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.Start(runCtx, true)
	p.Trigger()

	require.Eventually(t, func() bool {
		j, err := st.Get(ctx, id)
		require.NoError(t, err)
		return j.Status == store.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	p.Stop()

	job, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job.TotalFrames)
	require.Equal(t, int64(200), *job.TotalFrames)
}

// killRecordingExecutor blocks Execute until released, and records whether
// Kill was ever called for the in-flight job id.
type killRecordingExecutor struct {
	mu       sync.Mutex
	release  chan struct{}
	killed   []int64
	progress executor.ProgressFunc
}

func (k *killRecordingExecutor) OnProgress(fn executor.ProgressFunc) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.progress = fn
}

func (k *killRecordingExecutor) Execute(ctx context.Context, job executor.Job, cmd executor.Command) (executor.Result, error) {
	<-k.release
	return executor.Result{Success: false, Output: cmd.OutputPath}, nil
}

func (k *killRecordingExecutor) Kill(jobID int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = append(k.killed, jobID)
}

func (k *killRecordingExecutor) Killed() []int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]int64(nil), k.killed...)
}

func TestCancelJobKillsExecutorWhenJobIsInFlight(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, store.NewJobInput{Name: "A", InputPath: "/m/a.mp4", OutputPath: "/m/a.out.mp4"})
	require.NoError(t, err)

	exec := &killRecordingExecutor{release: make(chan struct{})}
	bus := &recordingBus{}
	p := New(st, exec, bus, "standalone", WithCheckInterval(time.Hour))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.Start(runCtx, true)
	p.Trigger()

	require.Eventually(t, func() bool {
		return p.State() == StateProcessing
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.CancelJob(ctx, id))
	require.Equal(t, []int64{id}, exec.Killed())

	close(exec.release)
	p.Stop()
}

func TestCancelJobCancelsDirectlyWhenJobNotInFlight(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, store.NewJobInput{Name: "A", InputPath: "/m/a.mp4", OutputPath: "/m/a.out.mp4"})
	require.NoError(t, err)

	exec := &killRecordingExecutor{release: make(chan struct{})}
	close(exec.release)
	bus := &recordingBus{}
	p := New(st, exec, bus, "standalone", WithCheckInterval(time.Hour))

	require.NoError(t, p.CancelJob(ctx, id))
	require.Empty(t, exec.Killed())

	job, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCancelled, job.Status)
}

func TestCurrentJobIDNonNilIffProcessing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Create(ctx, store.NewJobInput{Name: "A", InputPath: "/m/a.mp4", OutputPath: "/m/a.out.mp4"})
	require.NoError(t, err)

	block := make(chan struct{})
	exec := &blockingExecutor{release: block}
	bus := &recordingBus{}
	p := New(st, exec, bus, "standalone", WithCheckInterval(time.Hour))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.Start(runCtx, true)
	p.Trigger()

	require.Eventually(t, func() bool {
		return p.State() == StateProcessing
	}, time.Second, 5*time.Millisecond)
	require.NotNil(t, p.CurrentJobID())

	close(block)
	require.Eventually(t, func() bool {
		return p.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
	require.Nil(t, p.CurrentJobID())

	p.Stop()
}

type blockingExecutor struct {
	release chan struct{}
}

func (b *blockingExecutor) OnProgress(fn executor.ProgressFunc) {}
func (b *blockingExecutor) Execute(ctx context.Context, job executor.Job, cmd executor.Command) (executor.Result, error) {
	<-b.release
	return executor.Result{Success: true, Output: cmd.OutputPath}, nil
}
func (b *blockingExecutor) Kill(jobID int64) {}
