package store

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Job is the unit of work tracked by the Store.
type Job struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	InputPath       string  `json:"inputPath"`
	OutputPath      *string `json:"outputPath,omitempty"`
	CommandJSON     *string `json:"-"`
	Status          Status  `json:"status"`
	Progress        int     `json:"progress"`
	QueuePosition   *int64  `json:"queuePosition,omitempty"`
	CreatedAt       string  `json:"createdAt"`
	UpdatedAt       string  `json:"updatedAt"`
	StartedAt       *string `json:"startedAt,omitempty"`
	EndedAt         *string `json:"endedAt,omitempty"`
	TotalFrames     *int64  `json:"totalFrames,omitempty"`
	ErrorMessage    *string `json:"errorMessage,omitempty"`
	ConfigKey       *string `json:"configKey,omitempty"`
	ConfigSnapshot  *string `json:"-"`
	Retried         bool    `json:"retried"`
	Cleared         bool    `json:"cleared"`
	AssignedWorker  *string `json:"assignedWorker,omitempty"`
	WorkerLastSeen  *string `json:"workerLastSeen,omitempty"`
}

// Command is the opaque encoder invocation attached to a Job.
type Command struct {
	Args       []string `json:"args"`
	InputPath  string   `json:"inputPath"`
	OutputPath string   `json:"outputPath"`
}

// NewJobInput is the caller-supplied payload for Create.
type NewJobInput struct {
	Name           string
	InputPath      string
	OutputPath     string
	Command        Command
	QueuePosition  *int64
	ConfigKey      *string
	ConfigSnapshot *string
}

// Patch is a partial update applied by Update; nil fields are left unchanged.
type Patch struct {
	OutputPath     *string
	Status         *Status
	Progress       *int
	QueuePosition  *int64
	StartedAt      *string
	EndedAt        *string
	TotalFrames    *int64
	ErrorMessage   *string
	Retried        *bool
	Cleared        *bool
	AssignedWorker *string
	WorkerLastSeen *string
}

// StatusCounts tallies jobs by lifecycle state for the dashboard/event bus.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// ConfigurationBlob is a content-addressed, immutable record of picker/
// encoder configuration referenced by Jobs via ConfigKey.
type ConfigurationBlob struct {
	Key             string `json:"key"`
	PathsJSON       string `json:"pathsJson"`
	ConfigJSON      string `json:"configJson"`
	PickerStateJSON string `json:"pickerStateJson,omitempty"`
	CreatedAt       string `json:"createdAt"`
}

// JobCreationBatch tracks the progress of a multi-file submission.
type JobCreationBatch struct {
	ID           int64   `json:"id"`
	TotalFiles   int     `json:"totalFiles"`
	CreatedCount int     `json:"createdCount"`
	Status       string  `json:"status"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
	ConfigKey    *string `json:"configKey,omitempty"`
	CreatedAt    string  `json:"createdAt"`
	UpdatedAt    string  `json:"updatedAt"`
}

// Page is one page of the paginated job listing.
type Page struct {
	Jobs       []Job  `json:"jobs"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}
