package clientapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"frameshift/internal/eventbus"
	"frameshift/internal/store"
)

var memdbCounter int
var memdbMu sync.Mutex

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	memdbMu.Lock()
	memdbCounter++
	n := memdbCounter
	memdbMu.Unlock()

	dsn := fmt.Sprintf("file:clientapimemdb%d?mode=memory&cache=shared", n)
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.New(context.Background(), db)
	require.NoError(t, err)
	return st
}

type fakeTrigger struct {
	mu        sync.Mutex
	count     int
	cancelled []int64
}

func (f *fakeTrigger) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
}

func (f *fakeTrigger) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// CancelJob records the cancellation instead of touching the Store, so
// tests can assert the handler routed through the Processor rather than
// writing store.Cancel directly.
func (f *fakeTrigger) CancelJob(ctx context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeTrigger) Cancelled() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.cancelled...)
}

func TestSubmitJobsRejectsPathOutsideMediaRoot(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New()
	trig := &fakeTrigger{}
	h := New(st, bus, trig, "/media")

	body := submitRequest{Files: []submitFileInput{
		{Name: "a", Input: "/etc/passwd", Args: []string{"-y"}},
	}}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 0, trig.Count())
}

func TestSubmitJobsAssignsContiguousQueuePositionsAndTriggers(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New()
	trig := &fakeTrigger{}
	h := New(st, bus, trig, "/media")

	body := submitRequest{Files: []submitFileInput{
		{Name: "a", Input: "/media/a.mp4", Args: []string{"-y"}},
		{Name: "b", Input: "/media/b.mp4", Args: []string{"-y"}},
	}}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.JobIDs, 2)
	require.Equal(t, 1, trig.Count())

	jobA, err := st.Get(context.Background(), resp.JobIDs[0])
	require.NoError(t, err)
	jobB, err := st.Get(context.Background(), resp.JobIDs[1])
	require.NoError(t, err)
	require.Equal(t, *jobA.QueuePosition+1, *jobB.QueuePosition)

	batch, err := st.GetJobCreationBatch(context.Background(), resp.BatchID)
	require.NoError(t, err)
	require.Equal(t, 2, batch.TotalFiles)
	require.Equal(t, 2, batch.CreatedCount)
	require.Equal(t, "completed", batch.Status)
}

func TestGetJobBatchHandlerReportsProgress(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New()
	trig := &fakeTrigger{}
	h := New(st, bus, trig, "/media")

	body := submitRequest{Files: []submitFileInput{
		{Name: "a", Input: "/media/a.mp4", Args: []string{"-y"}},
	}}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	req2 := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/job-batches/%d", resp.BatchID), nil)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)

	require.Equal(t, http.StatusOK, rec2.Code)
	var batch store.JobCreationBatch
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &batch))
	require.Equal(t, 1, batch.TotalFiles)
	require.Equal(t, "completed", batch.Status)
}

func TestPatchJobCancelRejectsTerminalJob(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New()
	trig := &fakeTrigger{}
	h := New(st, bus, trig, "/media")

	id, err := st.Create(context.Background(), store.NewJobInput{Name: "a", InputPath: "/media/a.mp4"})
	require.NoError(t, err)
	require.NoError(t, st.Complete(context.Background(), id, "/media/out.mp4"))

	raw, _ := json.Marshal(jobActionRequest{Action: "cancel"})
	req := httptest.NewRequest(http.MethodPatch, fmt.Sprintf("/api/jobs/%d", id), bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestPatchJobCancelRoutesThroughProcessor(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New()
	trig := &fakeTrigger{}
	h := New(st, bus, trig, "/media")

	id, err := st.Create(context.Background(), store.NewJobInput{Name: "a", InputPath: "/media/a.mp4"})
	require.NoError(t, err)

	raw, _ := json.Marshal(jobActionRequest{Action: "cancel"})
	req := httptest.NewRequest(http.MethodPatch, fmt.Sprintf("/api/jobs/%d", id), bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int64{id}, trig.Cancelled())

	// The processor stub never wrote to the Store — proving the handler
	// did not fall back to st.Cancel directly.
	job, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, job.Status)
}

func TestCancelAllRoutesThroughProcessor(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New()
	trig := &fakeTrigger{}
	h := New(st, bus, trig, "/media")

	ctx := context.Background()
	id1, err := st.Create(ctx, store.NewJobInput{Name: "a", InputPath: "/media/a.mp4"})
	require.NoError(t, err)
	id2, err := st.Create(ctx, store.NewJobInput{Name: "b", InputPath: "/media/b.mp4"})
	require.NoError(t, err)
	require.NoError(t, st.Complete(ctx, id2, "/media/b.out.mp4"))

	req := httptest.NewRequest(http.MethodDelete, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int64{id1}, trig.Cancelled())
}

func TestListJobsFiltersByStatus(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New()
	trig := &fakeTrigger{}
	h := New(st, bus, trig, "/media")

	ctx := context.Background()
	id1, err := st.Create(ctx, store.NewJobInput{Name: "a", InputPath: "/media/a.mp4"})
	require.NoError(t, err)
	id2, err := st.Create(ctx, store.NewJobInput{Name: "b", InputPath: "/media/b.mp4"})
	require.NoError(t, err)
	require.NoError(t, st.Complete(ctx, id2, "/media/b.out.mp4"))
	_ = id1

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?status=completed", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var page store.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Jobs, 1)
	require.Equal(t, id2, page.Jobs[0].ID)
}

func TestAdminSecretsHealthReportsUnwrappedUntilFirstUse(t *testing.T) {
	t.Setenv("FRAME_SHIFT_NODE_KEY", "a-test-node-key-that-is-long-enough")
	st := newTestStore(t)
	bus := eventbus.New()
	trig := &fakeTrigger{}
	h := New(st, bus, trig, "/media")

	req := httptest.NewRequest(http.MethodGet, "/api/admin/secrets", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, false, status["key_wrapped"])
}

func TestAdminRewrapRejectsShortKey(t *testing.T) {
	t.Setenv("FRAME_SHIFT_NODE_KEY", "a-test-node-key-that-is-long-enough")
	st := newTestStore(t)
	bus := eventbus.New()
	trig := &fakeTrigger{}
	h := New(st, bus, trig, "/media")

	raw, _ := json.Marshal(rewrapRequest{NewNodeKey: "short"})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/secrets/rewrap", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
