package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sprintscribe/transcribe-sprint/internal/blobstore"
	"github.com/sprintscribe/transcribe-sprint/internal/config"
	"github.com/sprintscribe/transcribe-sprint/internal/engine"
	"github.com/sprintscribe/transcribe-sprint/internal/errkind"
	"github.com/sprintscribe/transcribe-sprint/internal/metrics"
	"github.com/sprintscribe/transcribe-sprint/internal/taskmanager"
)

// Hub is the session registry and the Task Manager's EventSink: it fans
// task events out to every currently subscribed session. Unlike the
// teacher's internal/broadcaster (one tier-keyed topic fanned out to N
// channels), the Hub keeps no separate subscription mirror — it asks the
// Task Manager for a task's authoritative subscriber set on every event
// and resolves sessionID -> connection itself, which sidesteps any
// register-before-event race since a task's creator is added as a
// subscriber synchronously at admission, before the task can possibly
// reach a terminal state.
type Hub struct {
	mgr    *taskmanager.Manager
	blobs  *blobstore.Store
	cfg    config.Config
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub constructs a Hub. mgr may be nil at construction time to break
// the Hub/Manager construction cycle (the Manager's constructor requires
// an EventSink, and the Hub needs the Manager for Subscribers/Peek/
// Snapshot) — call SetManager once the Manager exists, before Start.
func NewHub(mgr *taskmanager.Manager, blobs *blobstore.Store, cfg config.Config, logger *zap.Logger) *Hub {
	return &Hub{
		mgr:      mgr,
		blobs:    blobs,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// SetManager completes construction for the Hub<->Manager cycle.
func (h *Hub) SetManager(mgr *taskmanager.Manager) {
	h.mgr = mgr
}

// Accept registers a new WebSocket connection, starts its writer pump,
// and returns the Session whose HandleFrame the Public Surface's read
// loop should drive.
func (h *Hub) Accept(conn *websocket.Conn, outboundBuffer int) *Session {
	sess := newSession(uuid.NewString(), conn, h, outboundBuffer, h.logger)

	h.mu.Lock()
	h.sessions[sess.ID] = sess
	h.mu.Unlock()

	metrics.SessionsConnected.Inc()
	go sess.writePump()
	sess.send(connectedEvent(sess.ID))
	return sess
}

func (h *Hub) unregister(sess *Session) {
	h.mu.Lock()
	delete(h.sessions, sess.ID)
	h.mu.Unlock()
}

// SessionCount reports the number of currently registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) validateUpload(size int64, fileName string) error {
	if size <= 0 || size > h.cfg.MaxFileSizeBytes() {
		return errkind.New(errkind.FileTooLarge, fmt.Sprintf("%d bytes exceeds limit of %d", size, h.cfg.MaxFileSizeBytes()))
	}
	if len(h.cfg.AllowedExtensions) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	for _, allowed := range h.cfg.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return nil
		}
	}
	return errkind.New(errkind.UnsupportedFormat, fmt.Sprintf("extension %q not allowed", ext))
}

func (h *Hub) peekCache(ctx context.Context, hash string) (engine.RawResult, bool, error) {
	return h.mgr.Peek(ctx, hash)
}

// SweepIdle closes every session that has not produced a frame (including
// an application-level ping) since before cutoff, per spec.md §4.2's
// heartbeat discipline. The Public Surface's idle-timeout goroutine calls
// this on a ticker; the Session Layer itself runs no timers of its own.
func (h *Hub) SweepIdle(cutoff time.Time) int {
	h.mu.RLock()
	idle := make([]*Session, 0)
	for _, s := range h.sessions {
		if s.LastSeen().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range idle {
		s.Close()
	}
	return len(idle)
}

// TaskQueued implements taskmanager.EventSink.
func (h *Hub) TaskQueued(taskID string, queuePosition int) {
	h.broadcast(taskID, taskQueuedEvent(taskID, queuePosition, h.mgr.Stats().EstimatedWaitMins), false)
}

// TaskProgress implements taskmanager.EventSink.
func (h *Hub) TaskProgress(taskID string, percent int) {
	h.broadcast(taskID, taskProgressEvent(taskID, percent, "Processing"), false)
}

// TaskRetrying implements taskmanager.EventSink. It fires once per
// transient failure the Task Manager decides to retry, before the task
// re-enters the queue; the subscriber sees it as a non-terminal
// task_progress frame so it never short-circuits the eventual
// task_complete or the Failed task_progress frame.
func (h *Hub) TaskRetrying(taskID string, kind errkind.Kind, message string) {
	h.broadcast(taskID, taskRetryingEvent(taskID, string(kind), message), false)
}

// TaskComplete implements taskmanager.EventSink.
func (h *Hub) TaskComplete(taskID string, format config.OutputFormat, payload []byte) {
	h.broadcast(taskID, taskCompleteEvent(taskID, payload), true)
}

// TaskFailed implements taskmanager.EventSink.
func (h *Hub) TaskFailed(taskID string, kind errkind.Kind, message string) {
	h.broadcast(taskID, taskFailedEvent(taskID, string(kind), message), true)
}

// TaskCancelled implements taskmanager.EventSink.
func (h *Hub) TaskCancelled(taskID string) {
	h.broadcast(taskID, taskProgressEvent(taskID, 0, "Cancelled"), false)
}

func (h *Hub) broadcast(taskID string, env Envelope, terminal bool) {
	ids := h.mgr.Subscribers(taskID)
	if len(ids) == 0 {
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := h.sessions[id]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if terminal {
			s.sendTerminal(env)
		} else {
			s.send(env)
		}
	}
}
