package distributor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"frameshift/internal/executor"
)

func TestAcquireFirstAvailableThenRelease(t *testing.T) {
	r := NewFollowerRegistry([]string{"http://f0", "http://f1"})

	snap, ok := r.AcquireFirstAvailable(42)
	require.True(t, ok)
	require.Equal(t, "follower-0", snap.ID)

	_, ok = r.Get("follower-0")
	require.True(t, ok)
	g, _ := r.Get("follower-0")
	require.True(t, g.Busy)
	require.Equal(t, int64(42), *g.CurrentJobID)

	snap2, ok := r.AcquireFirstAvailable(43)
	require.True(t, ok)
	require.Equal(t, "follower-1", snap2.ID)

	_, ok = r.AcquireFirstAvailable(44)
	require.False(t, ok)

	r.Release(42)
	g, _ = r.Get("follower-0")
	require.False(t, g.Busy)
	require.Nil(t, g.CurrentJobID)

	_, ok = r.FollowerForJob(42)
	require.False(t, ok)
}

func TestMarkDeadExcludesFromAcquire(t *testing.T) {
	r := NewFollowerRegistry([]string{"http://f0"})
	r.MarkDead("follower-0")
	_, ok := r.AcquireFirstAvailable(1)
	require.False(t, ok)

	r.MarkAlive("follower-0")
	_, ok = r.AcquireFirstAvailable(1)
	require.True(t, ok)
}

func TestSyncWithFollowersReconcilesBusyState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/worker/status", req.URL.Path)
		require.NotEmpty(t, req.Header.Get("X-Auth"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(workerStatus{
			WorkerID: "follower-0",
			Busy:     true,
			ActiveJobs: []struct {
				JobID    int64 `json:"jobId"`
				Progress int   `json:"progress"`
			}{{JobID: 7, Progress: 55}},
		})
	}))
	defer srv.Close()

	d := New([]string{srv.URL}, "shared-secret", nil)
	ids, err := d.SyncWithFollowers(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{7}, ids)

	snap, ok := d.Registry.Get("follower-0")
	require.True(t, ok)
	require.False(t, snap.Dead)
	require.True(t, snap.Busy)
	require.Equal(t, int64(7), *snap.CurrentJobID)
}

func TestSyncWithFollowersMarksDeadOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New([]string{srv.URL}, "shared-secret", nil)

	_, err := d.SyncWithFollowers(context.Background())
	require.NoError(t, err)

	snap, ok := d.Registry.Get("follower-0")
	require.True(t, ok)
	require.True(t, snap.Dead)
}

type fakeSink struct {
	got []int64
}

func (f *fakeSink) HandleProgress(jobID int64, ev executor.ProgressEvent) {
	f.got = append(f.got, jobID)
}

func TestHandleProgressRoutesToRegisteredSink(t *testing.T) {
	d := New(nil, "tok", nil)
	sink := &fakeSink{}
	d.RegisterProgressSink(9, sink)
	d.HandleProgress(9, executor.ProgressEvent{})
	require.Equal(t, []int64{9}, sink.got)

	d.UnregisterProgressSink(9)
	d.HandleProgress(9, executor.ProgressEvent{})
	require.Equal(t, []int64{9}, sink.got)
}
