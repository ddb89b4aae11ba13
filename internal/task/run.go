package task

import "time"

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

func (t Trigger) Valid() bool { return t == TriggerScheduled || t == TriggerManual }

type RunStatus string

const (
	StatusPending RunStatus = "pending"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusError   RunStatus = "error"
)

// Terminal reports whether s is a final, non-reversible state.
func (s RunStatus) Terminal() bool { return s == StatusSuccess || s == StatusError }

func (s RunStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusError:
		return true
	}
	return false
}

// Error texts of runs that ended without the runner finishing them.
const (
	// ReasonInterrupted marks runs that were cut short by shutdown or a crash.
	ReasonInterrupted = "interrupted"
	// ReasonDisabled and ReasonRemoved end a pending retry whose task was
	// disabled or dropped from the source during the backoff.
	ReasonDisabled = "task disabled"
	ReasonRemoved  = "task removed"
)

// Run is one execution attempt of a task.
type Run struct {
	ID         int64      `json:"id"`
	TaskName   string     `json:"task_name"`
	DispatchID string     `json:"dispatch_id"`
	Attempt    int        `json:"attempt"`
	Trigger    Trigger    `json:"trigger"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`

	// Retried marks an attempt that failed and was followed by another attempt
	// of the same dispatch. Counters skip retried rows.
	Retried bool `json:"retried"`
}

// DurationSeconds is derived from the timestamps; 0 while not finished.
func (r Run) DurationSeconds() float64 {
	if r.FinishedAt == nil || r.StartedAt.IsZero() {
		return 0
	}
	d := r.FinishedAt.Sub(r.StartedAt)
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

// Outcome is the terminal transition of a run.
type Outcome struct {
	Status     RunStatus
	ExitCode   *int
	Output     string
	Error      string
	FinishedAt time.Time
	Retried    bool
}

// IntPtr is a small helper for optional exit codes.
func IntPtr(v int) *int { return &v }
