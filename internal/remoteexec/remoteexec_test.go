package remoteexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"frameshift/internal/distributor"
	"frameshift/internal/executor"
)

func TestExecuteDispatchesAndReturnsTerminalResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/worker/execute", req.URL.Path)
		require.NotEmpty(t, req.Header.Get("X-Auth"))
		var wc wireCommand
		require.NoError(t, json.NewDecoder(req.Body).Decode(&wc))
		require.Equal(t, int64(5), wc.JobID)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wireResult{Success: true, Output: "/out/5.mp4", TotalFrames: 100})
	}))
	defer srv.Close()

	dist := distributor.New([]string{srv.URL}, "shared-secret", nil)
	exec := New(dist, "shared-secret")

	res, err := exec.Execute(context.Background(), executor.Job{ID: 5, Name: "t"}, executor.Command{
		Args:       []string{"ffmpeg", "-i", "in.mp4", "out.mp4"},
		InputPath:  "in.mp4",
		OutputPath: "out.mp4",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "/out/5.mp4", res.Output)
	require.Equal(t, int64(100), res.TotalFrames)

	_, ok := dist.Registry.FollowerForJob(5)
	require.False(t, ok, "Execute must release the follower once the response arrives")
}

func TestExecuteFailsFastWhenNoFollowerAvailable(t *testing.T) {
	dist := distributor.New(nil, "shared-secret", nil)
	exec := New(dist, "shared-secret")

	_, err := exec.Execute(context.Background(), executor.Job{ID: 1}, executor.Command{})
	require.Error(t, err)
}

func TestHandleProgressForwardsToRegisteredCallback(t *testing.T) {
	dist := distributor.New(nil, "shared-secret", nil)
	exec := New(dist, "shared-secret")

	var got executor.ProgressEvent
	exec.OnProgress(func(ev executor.ProgressEvent) { got = ev })
	exec.HandleProgress(1, executor.ProgressEvent{Frame: 42, ProgressPC: 10})
	require.Equal(t, int64(42), got.Frame)
	require.Equal(t, 10, got.ProgressPC)
}
