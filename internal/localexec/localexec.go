// Package localexec spawns the encoder as a child process, streams its
// progress output, and atomically finalizes the output file.
package localexec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"frameshift/internal/executor"
)

const tempPrefix = ".fsvtemp."

// killGrace is how long a killed encoder gets to exit after SIGTERM before
// LocalExecutor escalates to SIGKILL.
const killGrace = 5 * time.Second

// stderrRingSize bounds how much stderr is retained for diagnostics.
const stderrRingSize = 64 * 1024

// LocalExecutor runs the encoder as a local subprocess.
type LocalExecutor struct {
	mu       sync.Mutex
	progress executor.ProgressFunc
	running  map[int64]*inflight
}

type inflight struct {
	cmd     *exec.Cmd
	killed  bool
	tmpPath string
}

// New returns a ready LocalExecutor.
func New() *LocalExecutor {
	return &LocalExecutor{running: make(map[int64]*inflight)}
}

// OnProgress registers the progress callback for subsequent Execute calls.
func (e *LocalExecutor) OnProgress(fn executor.ProgressFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = fn
}

// Execute spawns the encoder, streams progress, and atomically renames the
// temp output to its final path on success.
func (e *LocalExecutor) Execute(ctx context.Context, job executor.Job, cmd executor.Command) (executor.Result, error) {
	outPath := cmd.OutputPath
	tmpPath := filepath.Join(filepath.Dir(outPath), tempPrefix+filepath.Base(outPath))

	args := rewriteOutputArg(cmd.Args, cmd.OutputPath, tmpPath)
	child := exec.CommandContext(ctx, args[0], args[1:]...)

	stdout, err := child.StdoutPipe()
	if err != nil {
		return executor.Result{Success: false, Error: err.Error()}, nil
	}
	stderrPipe, err := child.StderrPipe()
	if err != nil {
		return executor.Result{Success: false, Error: err.Error()}, nil
	}

	if err := child.Start(); err != nil {
		_ = os.Remove(tmpPath)
		return executor.Result{Success: false, Error: fmt.Sprintf("spawn: %v", err)}, nil
	}

	e.mu.Lock()
	e.running[job.ID] = &inflight{cmd: child, tmpPath: tmpPath}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, job.ID)
		e.mu.Unlock()
	}()

	var stderrRing ring
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderrPipe)
		for scanner.Scan() {
			stderrRing.write(scanner.Text())
		}
	}()

	var finalProgress *executor.ProgressEvent
	var totalFrames int64
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		finalProgress, totalFrames = e.streamProgress(job.ID, stdout)
	}()

	waitErr := child.Wait()
	<-stderrDone
	<-progressDone

	e.mu.Lock()
	killed := false
	if inf, ok := e.running[job.ID]; ok {
		killed = inf.killed
	}
	e.mu.Unlock()

	if killed {
		_ = os.Remove(tmpPath)
		return executor.Result{Success: false, Error: "cancelled", Stderr: stderrRing.string()}, nil
	}

	if waitErr != nil {
		_ = os.Remove(tmpPath)
		return executor.Result{
			Success: false,
			Error:   waitErr.Error(),
			Stderr:  stderrRing.string(),
		}, nil
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return executor.Result{Success: false, Error: fmt.Sprintf("finalize: %v", err)}, nil
	}

	return executor.Result{
		Success:       true,
		Output:        outPath,
		TotalFrames:   totalFrames,
		FinalProgress: finalProgress,
	}, nil
}

// streamProgress parses `key=value` lines terminated by progress=continue|end,
// computing progress_pct from frame/total_frames when known, or falling back
// to a time-based estimate otherwise. It returns the last event emitted and
// the total frame count once observed.
func (e *LocalExecutor) streamProgress(jobID int64, r io.Reader) (last *executor.ProgressEvent, totalFrames int64) {
	fields := map[string]string{}
	start := time.Now()
	estimatedDurationSecs := 0.0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)

		if key == "progress" && (val == "continue" || val == "end") {
			ev := e.buildProgressEvent(fields, totalFrames, start, estimatedDurationSecs)
			if tf, ok := fields["total_frames"]; ok {
				if n, err := strconv.ParseInt(tf, 10, 64); err == nil {
					totalFrames = n
				}
			}
			if d, ok := fields["estimated_duration_seconds"]; ok {
				if f, err := strconv.ParseFloat(d, 64); err == nil {
					estimatedDurationSecs = f
				}
			}

			e.mu.Lock()
			cb := e.progress
			if inf, ok := e.running[jobID]; ok && inf.killed {
				cb = nil
			}
			e.mu.Unlock()
			if cb != nil {
				cb(ev)
			}
			last = &ev
			fields = map[string]string{}
			if val == "end" {
				break
			}
			continue
		}
		fields[key] = val
	}
	return last, totalFrames
}

func (e *LocalExecutor) buildProgressEvent(fields map[string]string, totalFrames int64, start time.Time, estimatedDurationSecs float64) executor.ProgressEvent {
	var ev executor.ProgressEvent
	if f, err := strconv.ParseInt(fields["frame"], 10, 64); err == nil {
		ev.Frame = f
	}
	if tf, ok := fields["total_frames"]; ok {
		if n, err := strconv.ParseInt(tf, 10, 64); err == nil {
			totalFrames = n
		}
	}
	ev.TotalFrames = totalFrames
	if f, err := strconv.ParseFloat(fields["fps"], 64); err == nil {
		ev.FPS = f
	}
	if s, err := strconv.ParseFloat(strings.TrimSuffix(fields["speed"], "x"), 64); err == nil {
		ev.Speed = s
	}

	switch {
	case totalFrames > 0 && ev.Frame > 0:
		pct := int(float64(ev.Frame) / float64(totalFrames) * 100)
		if pct > 100 {
			pct = 100
		}
		ev.ProgressPC = pct
	case estimatedDurationSecs > 0:
		elapsed := time.Since(start).Seconds()
		pct := int(elapsed / estimatedDurationSecs * 100)
		if pct > 100 {
			pct = 100
		}
		ev.ProgressPC = pct
	}
	return ev
}

// Kill sends SIGTERM to the job's child process, escalating to SIGKILL after
// killGrace if it has not exited, and removes its temp file. Progress
// callbacks that arrive after Kill are discarded.
func (e *LocalExecutor) Kill(jobID int64) {
	e.mu.Lock()
	inf, ok := e.running[jobID]
	if ok {
		inf.killed = true
	}
	e.mu.Unlock()
	if !ok || inf.cmd.Process == nil {
		return
	}

	_ = inf.cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		timer := time.NewTimer(killGrace)
		defer timer.Stop()
		done := make(chan struct{})
		go func() {
			_, _ = inf.cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-timer.C:
			_ = inf.cmd.Process.Kill()
		}
		if inf.tmpPath != "" {
			_ = os.Remove(inf.tmpPath)
		}
	}()
}

// CleanupCrashRemnants walks root recursively and deletes any file whose
// basename starts with the temp-file prefix, undoing an unclean shutdown.
// Called by NodeRuntime at startup, not by the Executor itself.
func CleanupCrashRemnants(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasPrefix(filepath.Base(path), tempPrefix) {
			if rmErr := os.Remove(path); rmErr != nil {
				log.Warn().Err(rmErr).Str("path", path).Msg("remove crash remnant")
			}
		}
		return nil
	})
}

// rewriteOutputArg substitutes the final output path in args with tmpPath so
// the encoder writes to the temp sibling rather than the final destination.
func rewriteOutputArg(args []string, outPath, tmpPath string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i, a := range out {
		if a == outPath {
			out[i] = tmpPath
		}
	}
	return out
}

// ring is a bounded append-only byte buffer used to retain a tail of stderr
// for diagnostics without holding the whole stream in memory.
type ring struct {
	mu  sync.Mutex
	buf []byte
}

func (r *ring) write(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, []byte(line+"\n")...)
	if len(r.buf) > stderrRingSize {
		r.buf = r.buf[len(r.buf)-stderrRingSize:]
	}
}

func (r *ring) string() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}
