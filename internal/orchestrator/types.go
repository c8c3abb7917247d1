package orchestrator

import (
	"time"

	"github.com/NikhilSetiya/repograde/internal/grading"
)

// Status is the lifecycle state of a repository task
type Status string

const (
	StatusPending      Status = "pending"
	StatusCloning      Status = "cloning"
	StatusCloned       Status = "cloned"
	StatusInitializing Status = "initializing"
	StatusAnalyzing    Status = "analyzing"
	StatusStreaming    Status = "streaming"
	StatusCancelling   Status = "cancelling"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CancellationMode records how a task was cancelled
type CancellationMode string

const (
	CancelNone  CancellationMode = ""
	CancelSkip  CancellationMode = "skip"
	CancelStop  CancellationMode = "stop"
	CancelAbort CancellationMode = "abort"
)

// Phase names the part of the pipeline a task failed in
type Phase string

const (
	PhaseClone Phase = "clone"
	PhaseGrade Phase = "grade"
)

// TaskSnapshot is a read-only copy of a task's state
type TaskSnapshot struct {
	ID               string           `json:"id"`
	Owner            string           `json:"owner"`
	Repo             string           `json:"repo"`
	SourceURL        string           `json:"source_url"`
	Status           Status           `json:"status"`
	CancellationMode CancellationMode `json:"cancellation_mode,omitempty"`
	Phase            Phase            `json:"phase"`
	LastError        string           `json:"last_error,omitempty"`
	TimedOut         bool             `json:"timed_out,omitempty"`
	StartedAt        time.Time        `json:"started_at,omitempty"`
	Duration         time.Duration    `json:"duration"`
	TokensUsed       grading.Usage    `json:"tokens_used"`
	WorkDir          string           `json:"work_dir,omitempty"`
	Result           *grading.Result  `json:"result,omitempty"`
}

// Cancelled reports whether the task ended through Skip, Stop or AbortAll
func (s TaskSnapshot) Cancelled() bool {
	return s.CancellationMode != CancelNone
}

// EventKind tags a TaskEvent
type EventKind string

// EventStatusChanged tags status transitions. Grading events use the
// grading.EventKind value as their kind.
const EventStatusChanged EventKind = "status_changed"

// Payload is the body of a TaskEvent: StatusChanged or GradingEvent.
type Payload interface {
	isPayload()
}

// StatusChanged reports a task transition
type StatusChanged struct {
	From  Status `json:"from"`
	To    Status `json:"to"`
	Error string `json:"error,omitempty"`
}

// GradingEvent wraps an event streamed by the grader
type GradingEvent struct {
	Event grading.Event `json:"event"`
}

func (StatusChanged) isPayload() {}
func (GradingEvent) isPayload()  {}

// TaskEvent is an event tagged with the owning task. Seq increases by one
// per event of the same task.
type TaskEvent struct {
	TaskID  string    `json:"task_id"`
	Seq     uint64    `json:"seq"`
	Kind    EventKind `json:"kind"`
	Payload Payload   `json:"payload"`
	At      time.Time `json:"at"`
}

// EventSink receives task events. Events of one task arrive in order; a
// sink must not call Skip, Stop or AbortAll synchronously.
type EventSink func(TaskEvent)

// ProgressFunc reports clone progress after each clone settles
type ProgressFunc func(message string, current, total int)

// CompletionFunc receives the batch result
type CompletionFunc func(*BatchResult)

// BatchResult is the immutable outcome of a batch
type BatchResult struct {
	BatchID     string         `json:"batch_id"`
	StartedAt   time.Time      `json:"started_at"`
	Completed   []TaskSnapshot `json:"completed"`
	Failed      []TaskSnapshot `json:"failed"`
	CloneFailed []TaskSnapshot `json:"clone_failed"`
	Skipped     []TaskSnapshot `json:"skipped"`
	Cancelled   []TaskSnapshot `json:"cancelled"`
	Duration    time.Duration  `json:"duration"`
}

// Counts summarizes a batch
type Counts struct {
	Total       int `json:"total"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	CloneFailed int `json:"clone_failed"`
	Skipped     int `json:"skipped"`
	Cancelled   int `json:"cancelled"`
	TimedOut    int `json:"timed_out"`
}

// Counts returns per-category totals
func (r *BatchResult) Counts() Counts {
	c := Counts{
		Completed:   len(r.Completed),
		Failed:      len(r.Failed),
		CloneFailed: len(r.CloneFailed),
		Skipped:     len(r.Skipped),
		Cancelled:   len(r.Cancelled),
		TimedOut:    len(r.TimedOut()),
	}
	c.Total = c.Completed + c.Failed + c.CloneFailed + c.Skipped + c.Cancelled
	return c
}

// TimedOut returns the grading failures caused by timeouts
func (r *BatchResult) TimedOut() []TaskSnapshot {
	var out []TaskSnapshot
	for _, t := range r.Failed {
		if t.TimedOut {
			out = append(out, t)
		}
	}
	return out
}

// All returns every task, grouped by category
func (r *BatchResult) All() []TaskSnapshot {
	all := make([]TaskSnapshot, 0, r.Counts().Total)
	all = append(all, r.Completed...)
	all = append(all, r.Failed...)
	all = append(all, r.CloneFailed...)
	all = append(all, r.Skipped...)
	all = append(all, r.Cancelled...)
	return all
}
