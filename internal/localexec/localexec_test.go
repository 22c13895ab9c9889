package localexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"frameshift/internal/executor"
)

func TestExecuteSuccessRenamesOutput(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.mp4")

	e := New()
	var events []executor.ProgressEvent
	e.OnProgress(func(ev executor.ProgressEvent) { events = append(events, ev) })

	script := `echo "frame=50"; echo "total_frames=100"; echo "progress=continue";
echo "frame=100"; echo "total_frames=100"; echo "progress=end";
touch "$1"`
	cmd := executor.Command{
		Args:       []string{"sh", "-c", script, "--", outPath},
		InputPath:  "/m/in.mp4",
		OutputPath: outPath,
	}

	res, err := e.Execute(context.Background(), executor.Job{ID: 1, Name: "t"}, cmd)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, outPath, res.Output)
	require.FileExists(t, outPath)

	tmpPath := filepath.Join(dir, tempPrefix+"out.mp4")
	require.NoFileExists(t, tmpPath)
	require.NotEmpty(t, events)
	require.Equal(t, 100, events[len(events)-1].ProgressPC)
}

func TestExecuteFailureCleansUpTempFile(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.mp4")

	e := New()
	cmd := executor.Command{
		Args:       []string{"sh", "-c", `touch "$1"; exit 1`, "--", outPath},
		InputPath:  "/m/in.mp4",
		OutputPath: outPath,
	}

	res, err := e.Execute(context.Background(), executor.Job{ID: 2, Name: "t"}, cmd)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.NoFileExists(t, outPath)

	tmpPath := filepath.Join(dir, tempPrefix+"out.mp4")
	require.NoFileExists(t, tmpPath)
}

func TestKillRemovesTempFileAndReturnsCancelled(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.mp4")

	e := New()
	cmd := executor.Command{
		Args:       []string{"sh", "-c", `touch "$1"; sleep 5`, "--", outPath},
		InputPath:  "/m/in.mp4",
		OutputPath: outPath,
	}

	resultCh := make(chan executor.Result, 1)
	go func() {
		res, _ := e.Execute(context.Background(), executor.Job{ID: 3, Name: "t"}, cmd)
		resultCh <- res
	}()

	time.Sleep(200 * time.Millisecond)
	e.Kill(3)

	select {
	case res := <-resultCh:
		require.False(t, res.Success)
		require.Equal(t, "cancelled", res.Error)
	case <-time.After(10 * time.Second):
		t.Fatal("execute did not return after kill")
	}

	tmpPath := filepath.Join(dir, tempPrefix+"out.mp4")
	require.NoFileExists(t, tmpPath)
}

func TestCleanupCrashRemnants(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, tempPrefix+"leftover.mp4")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	kept := filepath.Join(dir, "keep.mp4")
	require.NoError(t, os.WriteFile(kept, []byte("x"), 0o644))

	require.NoError(t, CleanupCrashRemnants(dir))

	require.NoFileExists(t, stale)
	require.FileExists(t, kept)
}
