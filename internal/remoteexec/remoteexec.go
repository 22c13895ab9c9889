// Package remoteexec dispatches a job to a follower node over HTTP and
// blocks until the follower reports a terminal result, implementing the
// same executor.Executor contract as internal/localexec.
package remoteexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"frameshift/internal/auth"
	"frameshift/internal/distributor"
	"frameshift/internal/executor"
)

// wireCommand is the JSON body POSTed to a follower's /worker/execute.
type wireCommand struct {
	JobID      int64    `json:"jobId"`
	Name       string   `json:"name"`
	Args       []string `json:"args"`
	InputPath  string   `json:"inputPath"`
	OutputPath string   `json:"outputPath"`
}

// wireResult is the JSON body a follower's /worker/execute responds with
// once the job reaches a terminal state.
type wireResult struct {
	Success       bool                     `json:"success"`
	Output        string                   `json:"output,omitempty"`
	Error         string                   `json:"error,omitempty"`
	Stderr        string                   `json:"stderr,omitempty"`
	TotalFrames   int64                    `json:"totalFrames,omitempty"`
	FinalProgress *executor.ProgressEvent  `json:"finalProgress,omitempty"`
}

// RemoteExecutor dispatches jobs to whichever follower the Distributor
// hands it, and registers itself as a distributor.ProgressSink so progress
// POSTed back to the leader is forwarded into the matching Execute call.
type RemoteExecutor struct {
	dist        *distributor.Distributor
	httpClient  *http.Client
	sharedToken string

	mu       sync.Mutex
	progress executor.ProgressFunc
	waiters  map[int64]chan executor.ProgressEvent
}

// New returns a RemoteExecutor that dispatches through dist.
func New(dist *distributor.Distributor, sharedToken string) *RemoteExecutor {
	return &RemoteExecutor{
		dist:        dist,
		sharedToken: sharedToken,
		waiters:     make(map[int64]chan executor.ProgressEvent),
		httpClient: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

// OnProgress registers the callback invoked for every progress event
// forwarded from a follower for the job currently in flight.
func (e *RemoteExecutor) OnProgress(fn executor.ProgressFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = fn
}

// HandleProgress implements distributor.ProgressSink: it is called by the
// Distributor when a follower POSTs a progress update for jobID.
func (e *RemoteExecutor) HandleProgress(jobID int64, ev executor.ProgressEvent) {
	e.mu.Lock()
	cb := e.progress
	e.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Execute acquires a follower, POSTs the job to its /worker/execute, and
// blocks for the HTTP response, which the follower only sends once the job
// is terminal. Progress arrives out of band via HandleProgress.
func (e *RemoteExecutor) Execute(ctx context.Context, job executor.Job, cmd executor.Command) (executor.Result, error) {
	snap, ok := e.dist.Registry.AcquireFirstAvailable(job.ID)
	if !ok {
		return executor.Result{}, fmt.Errorf("remoteexec: no follower available for job %d", job.ID)
	}
	defer e.dist.Registry.Release(job.ID)

	e.dist.RegisterProgressSink(job.ID, e)
	defer e.dist.UnregisterProgressSink(job.ID)

	body, err := json.Marshal(wireCommand{
		JobID:      job.ID,
		Name:       job.Name,
		Args:       cmd.Args,
		InputPath:  cmd.InputPath,
		OutputPath: cmd.OutputPath,
	})
	if err != nil {
		return executor.Result{}, err
	}

	req, err := e.newAuthedRequest(ctx, http.MethodPost, snap.URL+"/worker/execute", body)
	if err != nil {
		return executor.Result{}, err
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return executor.Result{Success: false, Error: fmt.Sprintf("dispatch: %v", err)}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return executor.Result{Success: false, Error: fmt.Sprintf("follower returned %s: %s", resp.Status, respBody)}, nil
	}

	var wr wireResult
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return executor.Result{Success: false, Error: fmt.Sprintf("decode follower response: %v", err)}, nil
	}

	return executor.Result{
		Success:       wr.Success,
		Output:        wr.Output,
		Error:         wr.Error,
		Stderr:        wr.Stderr,
		TotalFrames:   wr.TotalFrames,
		FinalProgress: wr.FinalProgress,
	}, nil
}

// Kill asks the Distributor to cancel jobID on whichever follower is
// running it; the blocked Execute call returns once the follower responds.
func (e *RemoteExecutor) Kill(jobID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e.dist.CancelJobOnFollower(ctx, jobID); err != nil {
		return
	}
}

func (e *RemoteExecutor) newAuthedRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	header, err := auth.Generate(body, e.sharedToken)
	if err != nil {
		return nil, err
	}
	req.Header.Set(auth.HeaderName, header)
	return req, nil
}
