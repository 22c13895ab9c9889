package distributor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"frameshift/internal/auth"
	"frameshift/internal/executor"
	"frameshift/internal/store"
)

const (
	statusRetries    = 3
	statusRetryDelay = 2 * time.Second
)

// ProgressSink receives progress forwarded from a follower's callback POST;
// RemoteExecutor implements it and registers itself per in-flight job.
type ProgressSink interface {
	HandleProgress(jobID int64, ev executor.ProgressEvent)
}

// workerStatus mirrors the follower's GET /worker/status response.
type workerStatus struct {
	WorkerID   string `json:"workerId"`
	Busy       bool   `json:"busy"`
	ActiveJobs []struct {
		JobID    int64 `json:"jobId"`
		Progress int   `json:"progress"`
	} `json:"activeJobs"`
}

// Distributor is the leader-only coordinator: it owns the FollowerRegistry,
// runs liveness checks, and reconciles job state after a restart.
type Distributor struct {
	Registry *FollowerRegistry

	store       *store.Store
	httpClient  *http.Client
	sharedToken string

	mu    sync.Mutex
	sinks map[int64]ProgressSink

	sf singleflight.Group
}

// New builds a Distributor for followerURLs, authenticating outbound
// requests with sharedToken and recording reconciled progress in st.
func New(followerURLs []string, sharedToken string, st *store.Store) *Distributor {
	return &Distributor{
		Registry:    NewFollowerRegistry(followerURLs),
		store:       st,
		sharedToken: sharedToken,
		sinks:       make(map[int64]ProgressSink),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 20 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

// RegisterProgressSink routes subsequent HandleProgress calls for jobID to
// sink, until UnregisterProgressSink is called.
func (d *Distributor) RegisterProgressSink(jobID int64, sink ProgressSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[jobID] = sink
}

// UnregisterProgressSink stops routing progress for jobID.
func (d *Distributor) UnregisterProgressSink(jobID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sinks, jobID)
}

// HandleProgress is called by the wire-api handler for POST
// /api/jobs/:id/progress; it forwards to whichever RemoteExecutor is
// tracking jobID.
func (d *Distributor) HandleProgress(jobID int64, ev executor.ProgressEvent) {
	d.mu.Lock()
	sink := d.sinks[jobID]
	d.mu.Unlock()
	if sink != nil {
		sink.HandleProgress(jobID, ev)
	}
}

// CancelJobOnFollower asks the follower currently running jobID to cancel
// it, returning whether the follower confirmed cancellation.
func (d *Distributor) CancelJobOnFollower(ctx context.Context, jobID int64) (bool, error) {
	followerID, ok := d.Registry.FollowerForJob(jobID)
	if !ok {
		return false, fmt.Errorf("no follower assigned to job %d", jobID)
	}
	snap, ok := d.Registry.Get(followerID)
	if !ok {
		return false, fmt.Errorf("unknown follower %s", followerID)
	}

	body, _ := json.Marshal(map[string]any{"jobId": jobID})
	req, err := d.newAuthedRequest(ctx, http.MethodPost, snap.URL+fmt.Sprintf("/worker/cancel/%d", jobID), body)
	if err != nil {
		return false, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("cancel: follower returned %s", resp.Status)
	}
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	if out.Cancelled {
		d.Registry.Release(jobID)
	}
	return out.Cancelled, nil
}

// SyncWithFollowers probes every follower's /worker/status concurrently
// (N=3 retries, linear 2s backoff), reconciles the registry and Store
// against what each reports, and returns the union of observed active job
// ids. A follower that exhausts its retries is marked dead.
func (d *Distributor) SyncWithFollowers(ctx context.Context) ([]int64, error) {
	snaps := d.Registry.Snapshot()
	var mu sync.Mutex
	var active []int64

	g, gctx := errgroup.WithContext(ctx)
	for _, snap := range snaps {
		snap := snap
		g.Go(func() error {
			status, err := d.probeWithRetry(gctx, snap)
			if err != nil {
				d.Registry.MarkDead(snap.ID)
				log.Warn().Str("follower", snap.ID).Err(err).Msg("follower unreachable, marking dead")
				return nil
			}
			d.Registry.MarkAlive(snap.ID)
			ids := d.reconcile(gctx, snap.ID, status)
			mu.Lock()
			active = append(active, ids...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return active, nil
}

// CheckDeadFollowers probes only the currently-dead set; a cheap recovery
// check intended to run far more often than the full sync.
func (d *Distributor) CheckDeadFollowers(ctx context.Context) {
	for _, id := range d.Registry.DeadIDs() {
		snap, ok := d.Registry.Get(id)
		if !ok {
			continue
		}
		status, err := d.probeOnce(ctx, snap)
		if err != nil {
			continue
		}
		d.Registry.MarkAlive(id)
		d.reconcile(ctx, id, status)
	}
}

func (d *Distributor) probeWithRetry(ctx context.Context, snap Snapshot) (workerStatus, error) {
	v, err, _ := d.sf.Do(snap.ID, func() (any, error) {
		var lastErr error
		for attempt := 0; attempt < statusRetries; attempt++ {
			status, err := d.probeOnce(ctx, snap)
			if err == nil {
				return status, nil
			}
			lastErr = err
			select {
			case <-time.After(statusRetryDelay):
			case <-ctx.Done():
				return workerStatus{}, ctx.Err()
			}
		}
		return workerStatus{}, lastErr
	})
	if err != nil {
		return workerStatus{}, err
	}
	return v.(workerStatus), nil
}

func (d *Distributor) probeOnce(ctx context.Context, snap Snapshot) (workerStatus, error) {
	req, err := d.newAuthedRequest(ctx, http.MethodGet, snap.URL+"/worker/status", nil)
	if err != nil {
		return workerStatus{}, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return workerStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return workerStatus{}, fmt.Errorf("status probe: follower returned %s", resp.Status)
	}
	var status workerStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return workerStatus{}, err
	}
	return status, nil
}

// reconcile mirrors one follower's reported state into the registry and
// Store: a reported-busy follower's progress is restored; a reported-idle
// follower is cleared.
func (d *Distributor) reconcile(ctx context.Context, followerID string, status workerStatus) []int64 {
	if !status.Busy || len(status.ActiveJobs) == 0 {
		d.Registry.SetBusy(followerID, 0, false)
		return nil
	}
	ids := make([]int64, 0, len(status.ActiveJobs))
	for _, aj := range status.ActiveJobs {
		d.Registry.SetBusy(followerID, aj.JobID, true)
		if d.store != nil {
			progress := aj.Progress
			processing := store.StatusProcessing
			worker := followerID
			if err := d.store.Update(ctx, aj.JobID, store.Patch{
				Progress:       &progress,
				Status:         &processing,
				AssignedWorker: &worker,
			}); err != nil {
				log.Error().Err(err).Int64("job", aj.JobID).Msg("reconcile: restore progress")
			}
		}
		ids = append(ids, aj.JobID)
	}
	return ids
}

func (d *Distributor) newAuthedRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	header, err := auth.Generate(body, d.sharedToken)
	if err != nil {
		return nil, err
	}
	req.Header.Set(auth.HeaderName, header)
	return req, nil
}
