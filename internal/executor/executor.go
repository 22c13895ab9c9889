// Package executor defines the common contract for "run one job, emit
// progress, be killable" shared by the local and remote implementations.
package executor

import "context"

// ProgressEvent is one progress update emitted mid-encode.
type ProgressEvent struct {
	Frame       int64   `json:"frame"`
	FPS         float64 `json:"fps"`
	Speed       float64 `json:"speed"`
	ProgressPC  int     `json:"progressPct"`
	TotalFrames int64   `json:"totalFrames,omitempty"`
}

// Result is the terminal outcome of Execute.
type Result struct {
	Success       bool
	Output        string
	Error         string
	Stderr        string
	TotalFrames   int64
	FinalProgress *ProgressEvent
}

// Command is the encoder argv plus resolved input/output paths.
type Command struct {
	Args       []string
	InputPath  string
	OutputPath string
}

// Job is the minimal job view an Executor needs to run one task.
type Job struct {
	ID   int64
	Name string
}

// ProgressFunc receives each progress event as it is emitted. Implementations
// must stop delivering after Kill returns.
type ProgressFunc func(ProgressEvent)

// Executor runs one job to completion, emitting progress and remaining
// killable for the duration of the call. Implementations: LocalExecutor
// (internal/localexec) and RemoteExecutor (internal/remoteexec).
type Executor interface {
	// Execute runs cmd for job and blocks until it reaches a terminal
	// state. An in-flight Execute that is killed must return promptly with
	// Result{Success: false, Error: "cancelled"}.
	Execute(ctx context.Context, job Job, cmd Command) (Result, error)

	// Kill is fire-and-forget; it unblocks Execute for job as soon as the
	// implementation can manage it.
	Kill(jobID int64)

	// OnProgress registers the callback invoked for every progress event
	// produced by a subsequent Execute call. Only one callback is active at
	// a time; registering a new one replaces the old.
	OnProgress(fn ProgressFunc)
}
