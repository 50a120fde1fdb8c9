// Package task defines the Task type and its lifecycle state machine —
// the unit the Task Manager schedules, retries, and reports on.
package task

import (
	"sync"
	"time"

	"github.com/sprintscribe/transcribe-sprint/internal/config"
	"github.com/sprintscribe/transcribe-sprint/internal/errkind"
)

// Status is a Task's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Outcome describes how Failed resolved, carried on the Task after a
// permanent failure.
type Outcome struct {
	Kind    errkind.Kind
	Message string
}

// Task is one transcription request moving through admission, scheduling,
// and completion. Every field mutation happens under mu; callers outside
// the taskmanager package should treat a *Task as read-only via the
// accessor methods.
type Task struct {
	mu sync.Mutex

	ID       string
	FileHash string
	FileName string
	FileSize int64
	BlobPath string

	OutputFormat config.OutputFormat

	status     Status
	retryCount int
	maxRetries int

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	CreatorSessionID string
	subscribers      map[string]struct{}

	// ResultHash is the file_hash under which the Result Cache holds
	// this task's raw_result, set once Completed.
	ResultHash string
	failure    *Outcome
}

// New creates a Pending task with the creator auto-subscribed, matching
// §3's "subscriber_session_ids ⊇ created_task_ids while connected".
func New(id, fileHash, fileName string, fileSize int64, blobPath string, format config.OutputFormat, creatorSessionID string, maxRetries int) *Task {
	t := &Task{
		ID:               id,
		FileHash:         fileHash,
		FileName:         fileName,
		FileSize:         fileSize,
		BlobPath:         blobPath,
		OutputFormat:     format,
		status:           StatusPending,
		maxRetries:       maxRetries,
		CreatedAt:        time.Now(),
		CreatorSessionID: creatorSessionID,
		subscribers:      map[string]struct{}{creatorSessionID: {}},
	}
	return t
}

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// RetryCount returns how many times this task has been retried.
func (t *Task) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount
}

// Failure returns the classification recorded on a Failed task, or nil.
func (t *Task) Failure() *Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure
}

// Subscribe adds a session to the task's fan-out list. Idempotent.
func (t *Task) Subscribe(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers[sessionID] = struct{}{}
}

// Unsubscribe removes a session. Idempotent; never affects processing.
func (t *Task) Unsubscribe(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribers, sessionID)
}

// Subscribers returns a snapshot of currently subscribed session IDs.
func (t *Task) Subscribers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.subscribers))
	for id := range t.subscribers {
		out = append(out, id)
	}
	return out
}

// Dispatch transitions Pending -> Processing. Returns false if the task
// was Cancelled (or otherwise not Pending) underneath the worker, in
// which case the worker must skip it without touching the blob refcount.
func (t *Task) Dispatch() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return false
	}
	t.status = StatusProcessing
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	return true
}

// Cancel transitions Pending -> Cancelled. No-op (returns false) if the
// task is already Processing or terminal — per §5, cancellation never
// interrupts a running engine call.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return false
	}
	t.status = StatusCancelled
	t.FinishedAt = time.Now()
	return true
}

// Complete transitions Processing -> Completed, recording the hash under
// which the raw result lives in the Result Cache.
func (t *Task) Complete(resultHash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusCompleted
	t.ResultHash = resultHash
	t.FinishedAt = time.Now()
}

// RetryOrFail applies the retry policy to a Processing task that just
// failed. A retryable kind with retries remaining moves the task back to
// Pending (retry_count incremented) and returns true; otherwise the task
// becomes Failed and returns false.
func (t *Task) RetryOrFail(kind errkind.Kind, message string) (retried bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if kind.Retryable() && t.retryCount < t.maxRetries {
		t.retryCount++
		t.status = StatusPending
		return true
	}
	t.status = StatusFailed
	t.FinishedAt = time.Now()
	t.failure = &Outcome{Kind: kind, Message: message}
	return false
}

// Snapshot is an immutable view of a Task suitable for JSON encoding or
// passing across goroutine boundaries without holding the lock.
type Snapshot struct {
	ID           string
	FileHash     string
	FileName     string
	FileSize     int64
	BlobPath     string
	OutputFormat config.OutputFormat
	Status       Status
	RetryCount   int
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	ResultHash   string
	Failure      *Outcome
}

// Snapshot copies the task's current state out from under the lock.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:           t.ID,
		FileHash:     t.FileHash,
		FileName:     t.FileName,
		FileSize:     t.FileSize,
		BlobPath:     t.BlobPath,
		OutputFormat: t.OutputFormat,
		Status:       t.status,
		RetryCount:   t.retryCount,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		FinishedAt:   t.FinishedAt,
		ResultHash:   t.ResultHash,
		Failure:      t.failure,
	}
}
