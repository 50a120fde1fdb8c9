// Package taskmanager is the scheduler: a bounded FIFO queue, a fixed
// worker pool, the task registry, the lifecycle state machine, the retry
// policy, and the blob-refcount hooks. Its worker-loop shape follows the
// teacher's internal/engine.Engine (NewEngine/Start/Stop/Submit/worker),
// generalized from a generic Task interface to a content-addressed
// transcription task with admission, cache-hit short-circuiting, and
// retry.
package taskmanager

import (
	"github.com/sprintscribe/transcribe-sprint/internal/config"
	"github.com/sprintscribe/transcribe-sprint/internal/errkind"
)

// SubmitMode reports how Submit resolved a request.
type SubmitMode string

const (
	ModeCacheHit  SubmitMode = "cache_hit"
	ModeQueued    SubmitMode = "queued"
	ModeImmediate SubmitMode = "immediate"
)

// Request is a validated upload the Session Layer hands to Submit once
// the artifact has been fully assembled and hash-verified by the Blob
// Store.
type Request struct {
	FileHash         string
	FileName         string
	FileSize         int64
	BlobPath         string
	OutputFormat     config.OutputFormat
	CreatorSessionID string
	ForceRefresh     bool
}

// SubmitResult is Submit's return value.
type SubmitResult struct {
	TaskID        string
	Mode          SubmitMode
	QueuePosition int
}

// Stats is the snapshot Stats() returns.
type Stats struct {
	Pending           int
	Processing        int
	Completed         int
	Failed            int
	Cancelled         int
	QueueSize         int
	MaxQueueSize      int
	MaxConcurrent     int
	EstimatedWaitMins float64
}

// EventSink receives task lifecycle notifications for fan-out to
// subscribed sessions. The Session Layer's Hub implements this; defining
// it here (rather than importing the session package) keeps
// taskmanager->session a one-way dependency.
type EventSink interface {
	TaskQueued(taskID string, queuePosition int)
	TaskProgress(taskID string, percent int)
	TaskRetrying(taskID string, kind errkind.Kind, message string)
	TaskComplete(taskID string, format config.OutputFormat, payload []byte)
	TaskFailed(taskID string, kind errkind.Kind, message string)
	TaskCancelled(taskID string)
}
