// Package wireapi implements the leader↔follower wire protocol: the
// follower-side job-execution endpoints a RemoteExecutor dispatches to, and
// the leader-side progress callback a Worker reports through. Every
// endpoint in both directions is gated by the shared-token salted-hash
// scheme in internal/auth.
package wireapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"frameshift/internal/auth"
	"frameshift/internal/executor"
	"frameshift/internal/httpx"
)

// ProgressHandler is satisfied by *distributor.Distributor; the leader-side
// progress endpoint forwards into it without this package importing
// distributor (which would create an import cycle through remoteexec).
type ProgressHandler interface {
	HandleProgress(jobID int64, ev executor.ProgressEvent)
}

// authMiddleware verifies the X-Auth header against the shared token,
// buffering the request body so Verify can hash it and a handler can still
// read it afterward.
func authMiddleware(sharedToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				httpx.Write(w, r, httpx.BadRequest("unreadable request body"))
				return
			}
			r.Body.Close()

			if !auth.Verify(r.Header.Get(auth.HeaderName), body, sharedToken) {
				httpx.Write(w, r, httpx.Unauthorized("invalid or missing X-Auth credential"))
				return
			}

			r = r.WithContext(context.WithValue(r.Context(), bodyCtxKey{}, body))
			next.ServeHTTP(w, r)
		})
	}
}

type bodyCtxKey struct{}

func bodyFromContext(r *http.Request) []byte {
	b, _ := r.Context().Value(bodyCtxKey{}).([]byte)
	return b
}

// NewFollowerRouter mounts the /worker/* endpoints a follower node serves,
// standalone, for direct use or tests.
func NewFollowerRouter(w *Worker, sharedToken string) http.Handler {
	r := chi.NewRouter()
	MountFollower(r, w, sharedToken)
	return r
}

// MountFollower registers the /worker/* routes onto an existing router,
// scoped to their own auth-middleware group so composition into a shared
// server (internal/httpserver) does not affect unrelated route groups.
func MountFollower(r chi.Router, w *Worker, sharedToken string) {
	r.Group(func(gr chi.Router) {
		gr.Use(authMiddleware(sharedToken))
		gr.Post("/worker/execute", executeHandler(w))
		gr.Post("/worker/cancel/{jobId}", cancelHandler(w))
		gr.Get("/worker/status", statusHandler(w))
		gr.Get("/worker/system-status", systemStatusHandler(w))
	})
}

// NewLeaderRouter mounts the progress-callback endpoint a leader serves for
// its followers, standalone, for direct use or tests.
func NewLeaderRouter(ph ProgressHandler, sharedToken string) http.Handler {
	r := chi.NewRouter()
	MountLeader(r, ph, sharedToken)
	return r
}

// MountLeader registers the progress-callback route onto an existing router.
func MountLeader(r chi.Router, ph ProgressHandler, sharedToken string) {
	r.Group(func(gr chi.Router) {
		gr.Use(authMiddleware(sharedToken))
		gr.Post("/api/jobs/{id}/progress", progressHandler(ph))
	})
}

type wireCommand struct {
	JobID      int64    `json:"jobId"`
	Name       string   `json:"name"`
	Args       []string `json:"args"`
	InputPath  string   `json:"inputPath"`
	OutputPath string   `json:"outputPath"`
}

type wireResult struct {
	Success       bool                    `json:"success"`
	Output        string                  `json:"output,omitempty"`
	Error         string                  `json:"error,omitempty"`
	Stderr        string                  `json:"stderr,omitempty"`
	TotalFrames   int64                   `json:"totalFrames,omitempty"`
	FinalProgress *executor.ProgressEvent `json:"finalProgress,omitempty"`
}

// executeHandler runs the job to completion and only responds once it is
// terminal, matching what RemoteExecutor.Execute blocks waiting for.
func executeHandler(w *Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if _, _, busy := w.Busy(); busy {
			httpx.Write(rw, r, httpx.Conflict("worker is already running a job"))
			return
		}

		var cmd wireCommand
		if err := json.Unmarshal(bodyFromContext(r), &cmd); err != nil {
			httpx.Write(rw, r, httpx.BadRequest("malformed request body"))
			return
		}

		res := w.Run(r.Context(), executor.Job{ID: cmd.JobID, Name: cmd.Name}, executor.Command{
			Args:       cmd.Args,
			InputPath:  cmd.InputPath,
			OutputPath: cmd.OutputPath,
		})

		writeJSON(rw, http.StatusOK, wireResult{
			Success:       res.Success,
			Output:        res.Output,
			Error:         res.Error,
			Stderr:        res.Stderr,
			TotalFrames:   res.TotalFrames,
			FinalProgress: res.FinalProgress,
		})
	}
}

func cancelHandler(w *Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "jobId"), 10, 64)
		if err != nil {
			httpx.Write(rw, r, httpx.BadRequest("job id must be an integer"))
			return
		}
		current, _, busy := w.Busy()
		if !busy || current != id {
			writeJSON(rw, http.StatusOK, map[string]bool{"cancelled": false})
			return
		}
		w.Kill(id)
		writeJSON(rw, http.StatusOK, map[string]bool{"cancelled": true})
	}
}

type workerStatusResponse struct {
	WorkerID   string `json:"workerId"`
	Busy       bool   `json:"busy"`
	ActiveJobs []struct {
		JobID    int64 `json:"jobId"`
		Progress int   `json:"progress"`
	} `json:"activeJobs"`
}

func statusHandler(w *Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var resp workerStatusResponse
		resp.WorkerID = w.id
		if jobID, progress, busy := w.Busy(); busy {
			resp.Busy = true
			resp.ActiveJobs = append(resp.ActiveJobs, struct {
				JobID    int64 `json:"jobId"`
				Progress int   `json:"progress"`
			}{JobID: jobID, Progress: progress})
		}
		writeJSON(rw, http.StatusOK, resp)
	}
}

func systemStatusHandler(w *Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, w.systemStatus())
	}
}

type progressRequest struct {
	Frame       int64   `json:"frame"`
	FPS         float64 `json:"fps"`
	Speed       float64 `json:"speed"`
	Progress    int     `json:"progress"`
	TotalFrames int64   `json:"totalFrames"`
}

func progressHandler(ph ProgressHandler) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpx.Write(rw, r, httpx.BadRequest("job id must be an integer"))
			return
		}
		var req progressRequest
		if err := json.Unmarshal(bodyFromContext(r), &req); err != nil {
			httpx.Write(rw, r, httpx.BadRequest("malformed request body"))
			return
		}
		ph.HandleProgress(id, executor.ProgressEvent{
			Frame:       req.Frame,
			FPS:         req.FPS,
			Speed:       req.Speed,
			ProgressPC:  req.Progress,
			TotalFrames: req.TotalFrames,
		})
		writeJSON(rw, http.StatusOK, map[string]bool{"ok": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
