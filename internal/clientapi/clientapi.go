// Package clientapi implements the external HTTP surface job submitters and
// the dashboard UI talk to: job listing/submission/actions and the
// WebSocket push channel. It never talks to followers directly — that is
// the Distributor's job — it only reads/writes the Store and pokes the
// Processor to look for new work.
package clientapi

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"frameshift/internal/eventbus"
	"frameshift/internal/httpx"
	"frameshift/internal/secrets"
	"frameshift/internal/store"
)

var validate = validator.New()

// writeLimiter throttles the job-submission endpoint; every other endpoint
// (bulk actions, listing, single-job fetch, the WebSocket upgrade) is
// unmetered.
var writeLimiter = rate.NewLimiter(rate.Every(200*time.Millisecond), 10)

// Trigger is satisfied by *processor.Processor; it is everything this
// package needs from it, kept narrow to avoid an import cycle and to make
// handlers trivially testable with a stub.
type Trigger interface {
	Trigger()

	// CancelJob cancels jobID, killing the Executor if it is the job
	// currently in flight so the running subprocess or remote dispatch is
	// actually terminated rather than just relabeled in the Store.
	CancelJob(ctx context.Context, jobID int64) error
}

// New builds the client-facing router standalone, for direct use or tests.
// mediaRoot bounds every submitted input/output path: a path that does not
// resolve inside it is rejected before a job row is ever created.
func New(st *store.Store, bus *eventbus.Bus, proc Trigger, mediaRoot string) http.Handler {
	r := chi.NewRouter()
	Mount(r, st, bus, proc, mediaRoot)
	return r
}

// Mount registers the client-facing routes onto an existing router, for
// composition into a shared server alongside other route groups (see
// internal/httpserver).
func Mount(r chi.Router, st *store.Store, bus *eventbus.Bus, proc Trigger, mediaRoot string) {
	r.Get("/api/jobs", listJobsHandler(st))
	r.Post("/api/jobs", submitJobsHandler(st, proc, mediaRoot))
	r.Put("/api/jobs", bulkActionHandler(st, proc))
	r.Delete("/api/jobs", cancelAllHandler(st, proc))
	r.Get("/api/jobs/{id}", getJobHandler(st))
	r.Patch("/api/jobs/{id}", patchJobHandler(st, proc))
	r.Get("/api/job-batches/{id}", getJobBatchHandler(st))
	r.Get("/api/ws", wsHandler(bus))
	r.Get("/api/admin/secrets", adminSecretsHealthHandler(st))
	r.Post("/api/admin/secrets/rewrap", adminRewrapHandler(st))
}

type rewrapRequest struct {
	NewNodeKey string `json:"newNodeKey" validate:"required,min=16"`
}

// adminRewrapHandler rotates the node's master-key encryption-at-rest
// passphrase without touching the plaintext secrets it protects, for an
// operator responding to a suspected FRAME_SHIFT_NODE_KEY compromise.
func adminRewrapHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rewrapRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.Write(w, r, httpx.BadRequest("malformed request body"))
			return
		}
		if err := validate.Struct(req); err != nil {
			httpx.Write(w, r, httpx.BadRequest("validation failed").WithFields(validationFields(err)))
			return
		}
		if err := secrets.Rewrap(r.Context(), st.DB(), req.NewNodeKey); err != nil {
			httpx.Write(w, r, httpx.BadRequest(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"rewrapped": true})
	}
}

func adminSecretsHealthHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := secrets.Health(r.Context(), st.DB())
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func listJobsHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 20
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpx.Write(w, r, httpx.BadRequest("limit must be a positive integer"))
				return
			}
			limit = n
		}

		var cursor *store.Cursor
		if v := q.Get("cursor"); v != "" {
			c, err := store.DecodeCursor(v)
			if err != nil {
				httpx.Write(w, r, httpx.BadRequest("malformed cursor"))
				return
			}
			cursor = &c
		}

		includeCleared := q.Get("includeCleared") == "true"

		page, err := st.GetPaginated(r.Context(), limit, cursor, includeCleared)
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}

		if status := q.Get("status"); status != "" {
			filtered := make([]store.Job, 0, len(page.Jobs))
			for _, j := range page.Jobs {
				if string(j.Status) == status {
					filtered = append(filtered, j)
				}
			}
			page.Jobs = filtered
		}

		writeJSON(w, http.StatusOK, page)
	}
}

type submitFileInput struct {
	Name   string   `json:"name" validate:"required"`
	Input  string   `json:"input" validate:"required"`
	Output string   `json:"output"`
	Args   []string `json:"args" validate:"required,min=1"`
}

type submitRequest struct {
	Files           []submitFileInput `json:"files" validate:"required,min=1,dive"`
	PickerStateJSON string            `json:"pickerState"`
}

type submitResponse struct {
	JobIDs  []int64 `json:"jobIds"`
	BatchID int64   `json:"batchId"`
}

func submitJobsHandler(st *store.Store, proc Trigger, mediaRoot string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !writeLimiter.Allow() {
			httpx.Write(w, r, httpx.TooManyRequests("too many submissions, slow down"))
			return
		}

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.Write(w, r, httpx.BadRequest("malformed request body"))
			return
		}
		if err := validate.Struct(req); err != nil {
			httpx.Write(w, r, httpx.BadRequest("validation failed").WithFields(validationFields(err)))
			return
		}

		pathsJSON := make([]string, 0, len(req.Files))
		for i, f := range req.Files {
			if err := requireInsideRoot(mediaRoot, f.Input); err != nil {
				httpx.Write(w, r, httpx.BadRequest(err.Error()).WithDetails(map[string]string{"file": strconv.Itoa(i)}))
				return
			}
			if f.Output != "" {
				if err := requireInsideRoot(mediaRoot, f.Output); err != nil {
					httpx.Write(w, r, httpx.BadRequest(err.Error()).WithDetails(map[string]string{"file": strconv.Itoa(i)}))
					return
				}
			}
			pathsJSON = append(pathsJSON, f.Input)
		}

		ctx := r.Context()
		pathsBlob, _ := json.Marshal(pathsJSON)
		configBlob, _ := json.Marshal(req.Files)
		configKey, err := st.PutConfigurationBlob(ctx, store.ConfigurationBlob{
			PathsJSON:       string(pathsBlob),
			ConfigJSON:      string(configBlob),
			PickerStateJSON: req.PickerStateJSON,
		})
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}

		maxPos, err := st.GetMaxQueuePosition(ctx)
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}

		batchID, err := st.CreateJobCreationBatch(ctx, len(req.Files), &configKey)
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}

		ids := make([]int64, 0, len(req.Files))
		for i, f := range req.Files {
			pos := maxPos + int64(i) + 1
			id, err := st.Create(ctx, store.NewJobInput{
				Name:      f.Name,
				InputPath: f.Input,
				Command: store.Command{
					Args:       f.Args,
					InputPath:  f.Input,
					OutputPath: f.Output,
				},
				OutputPath:    f.Output,
				QueuePosition: &pos,
				ConfigKey:     &configKey,
			})
			if err != nil {
				_ = st.FailJobCreationBatch(ctx, batchID, err.Error())
				httpx.Write(w, r, httpx.Internal(err))
				return
			}
			if err := st.IncrementJobCreationBatch(ctx, batchID); err != nil {
				log.Error().Err(err).Int64("batch", batchID).Msg("clientapi: advance job creation batch")
			}
			ids = append(ids, id)
		}

		proc.Trigger()
		writeJSON(w, http.StatusCreated, submitResponse{JobIDs: ids, BatchID: batchID})
	}
}

// requireInsideRoot rejects a path that does not resolve to somewhere
// underneath root, defeating a "../../etc/passwd"-style escape.
func requireInsideRoot(root, p string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	absP, err := filepath.Abs(p)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absRoot, absP)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errOutsideRoot
	}
	return nil
}

var errOutsideRoot = httpx.BadRequest("path resolves outside the configured media root")

type bulkActionRequest struct {
	Action string `json:"action" validate:"required,oneof=retry-all-failed clear-finished"`
}

func bulkActionHandler(st *store.Store, proc Trigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.Write(w, r, httpx.BadRequest("malformed request body"))
			return
		}
		if err := validate.Struct(req); err != nil {
			httpx.Write(w, r, httpx.BadRequest("validation failed").WithFields(validationFields(err)))
			return
		}

		ctx := r.Context()
		switch req.Action {
		case "retry-all-failed":
			failed, err := st.GetByStatus(ctx, store.StatusFailed)
			if err != nil {
				httpx.Write(w, r, httpx.Internal(err))
				return
			}
			retried := 0
			for _, j := range failed {
				if j.Retried {
					continue
				}
				if _, err := st.Retry(ctx, j.ID); err != nil {
					httpx.Write(w, r, httpx.Internal(err))
					return
				}
				retried++
			}
			if retried > 0 {
				proc.Trigger()
			}
			writeJSON(w, http.StatusOK, map[string]int{"retried": retried})
		case "clear-finished":
			n, err := st.ClearAllFinishedJobs(ctx)
			if err != nil {
				httpx.Write(w, r, httpx.Internal(err))
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
		}
	}
}

func cancelAllHandler(st *store.Store, proc Trigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		cancelled := 0
		for _, status := range []store.Status{store.StatusPending, store.StatusProcessing} {
			jobs, err := st.GetByStatus(ctx, status)
			if err != nil {
				httpx.Write(w, r, httpx.Internal(err))
				return
			}
			for _, j := range jobs {
				if err := proc.CancelJob(ctx, j.ID); err != nil {
					httpx.Write(w, r, httpx.Internal(err))
					return
				}
				cancelled++
			}
		}
		writeJSON(w, http.StatusOK, map[string]int{"cancelled": cancelled})
	}
}

// getJobBatchHandler reports the bookkeeping progress of one multi-file
// submission, for a submitter polling "how many of my N files have become
// jobs so far" without re-listing the whole job table.
func getJobBatchHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpx.Write(w, r, httpx.BadRequest("batch id must be an integer"))
			return
		}
		batch, err := st.GetJobCreationBatch(r.Context(), id)
		if err != nil {
			httpx.Write(w, r, httpx.NotFound("batch not found"))
			return
		}
		writeJSON(w, http.StatusOK, batch)
	}
}

func getJobHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseJobID(r)
		if err != nil {
			httpx.Write(w, r, err)
			return
		}
		job, err := st.Get(r.Context(), id)
		if err != nil {
			httpx.Write(w, r, httpx.NotFound("job not found"))
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

type jobActionRequest struct {
	Action string `json:"action" validate:"required,oneof=retry cancel"`
}

func patchJobHandler(st *store.Store, proc Trigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseJobID(r)
		if err != nil {
			httpx.Write(w, r, err)
			return
		}

		var req jobActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.Write(w, r, httpx.BadRequest("malformed request body"))
			return
		}
		if err := validate.Struct(req); err != nil {
			httpx.Write(w, r, httpx.BadRequest("validation failed").WithFields(validationFields(err)))
			return
		}

		ctx := r.Context()
		job, err := st.Get(ctx, id)
		if err != nil {
			httpx.Write(w, r, httpx.NotFound("job not found"))
			return
		}
		if job.Cleared {
			httpx.Write(w, r, httpx.Gone("job has been cleared"))
			return
		}

		switch req.Action {
		case "retry":
			if job.Status != store.StatusFailed {
				httpx.Write(w, r, httpx.Conflict("only a failed job can be retried"))
				return
			}
			newID, err := st.Retry(ctx, id)
			if err != nil {
				httpx.Write(w, r, httpx.Internal(err))
				return
			}
			proc.Trigger()
			writeJSON(w, http.StatusOK, map[string]int64{"newJobId": newID})
		case "cancel":
			if job.Status != store.StatusPending && job.Status != store.StatusProcessing {
				httpx.Write(w, r, httpx.Conflict("job is not in a cancellable state"))
				return
			}
			if err := proc.CancelJob(ctx, id); err != nil {
				httpx.Write(w, r, httpx.Internal(err))
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
		}
	}
}

func wsHandler(bus *eventbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			id = uuid.NewString()
		}
		eventbus.ServeWS(bus, id, w, r)
	}
}

func parseJobID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, httpx.BadRequest("job id must be an integer")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func validationFields(err error) map[string]string {
	fields := map[string]string{}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return fields
	}
	fields["error"] = err.Error()
	return fields
}
