package wireapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"frameshift/internal/auth"
	"frameshift/internal/executor"
)

// Worker runs at most one job at a time on a follower node: it drives the
// local executor.Executor and forwards every progress event to the leader's
// callback endpoint synchronously, so the leader observes them in the same
// order the encoder produced them.
type Worker struct {
	id          string
	exec        executor.Executor
	leaderURL   string
	sharedToken string
	httpClient  *http.Client

	mu       sync.Mutex
	jobID    *int64
	progress int
}

// NewWorker returns a Worker identified as id, dispatching encode work to
// exec and reporting progress/status to leaderURL.
func NewWorker(id string, exec executor.Executor, leaderURL, sharedToken string) *Worker {
	return &Worker{
		id:          id,
		exec:        exec,
		leaderURL:   leaderURL,
		sharedToken: sharedToken,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Busy reports whether a job is currently in flight.
func (w *Worker) Busy() (int64, int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.jobID == nil {
		return 0, 0, false
	}
	return *w.jobID, w.progress, true
}

// Run executes job synchronously, reporting progress back to the leader as
// it is produced, and returns the terminal executor.Result. Callers must
// check Busy first; Run does not itself reject concurrent invocations.
func (w *Worker) Run(ctx context.Context, job executor.Job, cmd executor.Command) executor.Result {
	w.mu.Lock()
	id := job.ID
	w.jobID = &id
	w.progress = 0
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.jobID = nil
		w.progress = 0
		w.mu.Unlock()
	}()

	w.exec.OnProgress(func(ev executor.ProgressEvent) {
		w.mu.Lock()
		w.progress = ev.ProgressPC
		w.mu.Unlock()
		w.postProgress(job.ID, ev)
	})

	res, err := w.exec.Execute(ctx, job, cmd)
	if err != nil {
		return executor.Result{Success: false, Error: err.Error()}
	}
	return res
}

// Kill forwards to the underlying executor's Kill for jobID.
func (w *Worker) Kill(jobID int64) {
	w.exec.Kill(jobID)
}

// postProgress reports one progress event to the leader. Delivery is
// best-effort: a dropped update is superseded by the next one, and the
// terminal /worker/execute response is the leader's authoritative signal.
func (w *Worker) postProgress(jobID int64, ev executor.ProgressEvent) {
	body, err := json.Marshal(map[string]any{
		"frame":       ev.Frame,
		"fps":         ev.FPS,
		"speed":       ev.Speed,
		"progress":    ev.ProgressPC,
		"totalFrames": ev.TotalFrames,
	})
	if err != nil {
		return
	}
	url := fmt.Sprintf("%s/api/jobs/%d/progress", w.leaderURL, jobID)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	header, err := auth.Generate(body, w.sharedToken)
	if err != nil {
		return
	}
	req.Header.Set(auth.HeaderName, header)
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// systemStatus is gathered from gopsutil for GET /worker/system-status.
type systemStatus struct {
	NodeID             string  `json:"nodeId"`
	CPUUsagePercent    float64 `json:"cpuUsagePercent"`
	CPUCores           int     `json:"cpuCores"`
	MemoryUsedBytes    uint64  `json:"memoryUsedBytes"`
	MemoryTotalBytes   uint64  `json:"memoryTotalBytes"`
	MemoryUsagePercent float64 `json:"memoryUsagePercent"`
	Timestamp          string  `json:"timestamp"`
}

func (w *Worker) systemStatus() systemStatus {
	status := systemStatus{NodeID: w.id, Timestamp: time.Now().UTC().Format(time.RFC3339)}

	if pcts, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		status.CPUUsagePercent = pcts[0]
	}
	if cores, err := cpu.Counts(true); err == nil {
		status.CPUCores = cores
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status.MemoryTotalBytes = vm.Total
		status.MemoryUsedBytes = vm.Used
		status.MemoryUsagePercent = vm.UsedPercent
	}
	return status
}
