// Package processor drives the single-consumer job loop shared by
// standalone, leader, and follower nodes: it claims the next pending job,
// runs it through an Executor, persists outcomes, and publishes events.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"frameshift/internal/executor"
	"frameshift/internal/store"
)

// State is the Processor's current lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateProcessing   State = "processing"
	StateShuttingDown State = "shutting_down"
)

// EventPublisher is the minimal fan-out contract Processor needs; EventBus
// implements it. Kept as an interface here so this package never imports
// internal/eventbus.
type EventPublisher interface {
	Publish(event string, payload any)
}

// claimFunc abstracts the two ways a Processor picks its next job: Store's
// workerID-tagged ClaimNext (standalone/follower) or the leader's
// assigned_worker-agnostic PickNextPending.
type claimFunc func(ctx context.Context) (store.Job, bool, error)

// Processor is the single-threaded job consumer for one node process.
type Processor struct {
	store    *store.Store
	exec     executor.Executor
	bus      EventPublisher
	workerID string
	claim    claimFunc

	checkInterval time.Duration
	trigger       chan struct{}
	stopCh        chan struct{}
	doneCh        chan struct{}

	mu           sync.Mutex
	state        State
	currentJobID *int64

	progressMu sync.Mutex
}

// Option configures a Processor at construction.
type Option func(*Processor)

// WithCheckInterval overrides the default 60s polling ticker.
func WithCheckInterval(d time.Duration) Option {
	return func(p *Processor) { p.checkInterval = d }
}

// New builds a Processor for a standalone or follower node: it claims jobs
// under workerID via Store.ClaimNext, recording assignment.
func New(st *store.Store, exec executor.Executor, bus EventPublisher, workerID string, opts ...Option) *Processor {
	p := &Processor{
		store:         st,
		exec:          exec,
		bus:           bus,
		workerID:      workerID,
		checkInterval: 60 * time.Second,
		trigger:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		state:         StateIdle,
	}
	p.claim = func(ctx context.Context) (store.Job, bool, error) {
		return st.ClaimNext(ctx, workerID)
	}
	for _, o := range opts {
		o(p)
	}
	exec.OnProgress(p.onProgress)
	return p
}

// NewLeader builds a Processor for the leader node: it claims jobs via
// Store.PickNextPending, which leaves assigned_worker NULL since the
// Distributor records follower assignment separately.
func NewLeader(st *store.Store, exec executor.Executor, bus EventPublisher, opts ...Option) *Processor {
	p := &Processor{
		store:         st,
		exec:          exec,
		bus:           bus,
		workerID:      "leader",
		checkInterval: 60 * time.Second,
		trigger:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		state:         StateIdle,
	}
	p.claim = func(ctx context.Context) (store.Job, bool, error) {
		return st.PickNextPending(ctx)
	}
	for _, o := range opts {
		o(p)
	}
	exec.OnProgress(p.onProgress)
	return p
}

// Trigger pokes the loop to re-check for work immediately, without waiting
// for the next ticker tick. Non-blocking: a pending poke is coalesced.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// State returns the Processor's current lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// CurrentJobID returns the in-flight job id, or nil if idle.
func (p *Processor) CurrentJobID() *int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentJobID
}

// Start performs crash recovery (standalone/follower only — the leader runs
// no local jobs and skips it) and launches the main loop in a goroutine.
func (p *Processor) Start(ctx context.Context, resetOnStart bool) {
	if resetOnStart {
		if n, err := p.store.ResetProcessingJobs(ctx); err != nil {
			log.Error().Err(err).Msg("processor: reset processing jobs on start")
		} else if n > 0 {
			log.Info().Int("count", n).Msg("processor: reset stale processing jobs")
		}
	}
	go p.loop(ctx)
}

// CancelJob cancels jobID: if it is the job currently in flight, it kills
// the Executor and lets runJob's own "cancelled" branch persist the status
// once Execute unblocks, so the store is only ever written once. If jobID
// is not in flight (still pending, or already terminal), it is marked
// cancelled directly.
func (p *Processor) CancelJob(ctx context.Context, jobID int64) error {
	p.mu.Lock()
	running := p.currentJobID != nil && *p.currentJobID == jobID
	p.mu.Unlock()

	if running {
		p.exec.Kill(jobID)
		return nil
	}
	return p.store.Cancel(ctx, jobID)
}

// Stop transitions to shutting_down, kills any in-flight job, and blocks
// until the loop has exited. No new work is accepted once called.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.state = StateShuttingDown
	jobID := p.currentJobID
	p.mu.Unlock()

	if jobID != nil {
		p.exec.Kill(*jobID)
	}
	close(p.stopCh)
	<-p.doneCh
}

func (p *Processor) loop(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tryClaimAndRun(ctx)
		case <-p.trigger:
			p.tryClaimAndRun(ctx)
		}
	}
}

func (p *Processor) tryClaimAndRun(ctx context.Context) {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	job, ok, err := p.claim(ctx)
	if err != nil {
		log.Error().Err(err).Msg("processor: claim next job")
		return
	}
	if !ok {
		return
	}
	p.runJob(ctx, job)
	p.Trigger()
}

func (p *Processor) runJob(ctx context.Context, job store.Job) {
	p.mu.Lock()
	p.state = StateProcessing
	id := job.ID
	p.currentJobID = &id
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.state == StateProcessing {
			p.state = StateIdle
		}
		p.currentJobID = nil
		p.mu.Unlock()
	}()

	p.publish("job:start", map[string]any{"jobId": job.ID, "name": job.Name})

	cmd, err := store.DecodeCommand(job)
	if err != nil {
		p.finishFailed(ctx, job.ID, err.Error())
		return
	}
	outPath := cmd.OutputPath
	if job.OutputPath != nil {
		outPath = *job.OutputPath
	}

	res, err := p.exec.Execute(ctx, executor.Job{ID: job.ID, Name: job.Name}, executor.Command{
		Args:       cmd.Args,
		InputPath:  job.InputPath,
		OutputPath: outPath,
	})
	if err != nil {
		p.finishFailed(ctx, job.ID, err.Error())
		return
	}

	switch {
	case res.Error == "cancelled":
		if err := p.store.Cancel(ctx, job.ID); err != nil {
			log.Error().Err(err).Int64("job", job.ID).Msg("processor: persist cancellation")
		}
		p.publish("job:updated", map[string]any{"jobId": job.ID, "status": store.StatusCancelled})
	case res.Success:
		if err := p.store.Complete(ctx, job.ID, res.Output); err != nil {
			log.Error().Err(err).Int64("job", job.ID).Msg("processor: persist completion")
		}
		p.publish("job:complete", map[string]any{"jobId": job.ID, "output": res.Output})
	default:
		p.finishFailed(ctx, job.ID, res.Error)
	}
}

func (p *Processor) finishFailed(ctx context.Context, jobID int64, msg string) {
	if err := p.store.SetError(ctx, jobID, msg); err != nil {
		log.Error().Err(err).Int64("job", jobID).Msg("processor: persist failure")
	}
	p.publish("job:fail", map[string]any{"jobId": jobID, "error": msg})
}

// onProgress is the Executor progress callback: it throttles to one Store
// write per progress message and republishes to the event bus.
func (p *Processor) onProgress(ev executor.ProgressEvent) {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()

	p.mu.Lock()
	jobID := p.currentJobID
	p.mu.Unlock()
	if jobID == nil {
		return
	}

	ctx := context.Background()
	progress := ev.ProgressPC
	patch := store.Patch{Progress: &progress}
	if ev.TotalFrames > 0 {
		tf := ev.TotalFrames
		patch.TotalFrames = &tf
	}
	if p.workerID != "leader" {
		seen := nowISOForHeartbeat()
		patch.WorkerLastSeen = &seen
	}
	if err := p.store.Update(ctx, *jobID, patch); err != nil {
		log.Error().Err(err).Int64("job", *jobID).Msg("processor: persist progress")
	}
	p.publish("job:progress", map[string]any{"jobId": *jobID, "progress": ev})
}

func (p *Processor) publish(event string, payload any) {
	if p.bus != nil {
		p.bus.Publish(event, payload)
	}
}

func nowISOForHeartbeat() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
