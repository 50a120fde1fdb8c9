package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sprintscribe/transcribe-sprint/internal/errkind"
	"github.com/sprintscribe/transcribe-sprint/internal/metrics"
	"github.com/sprintscribe/transcribe-sprint/internal/task"
	"github.com/sprintscribe/transcribe-sprint/internal/taskmanager"
)

// Session is one logical client conversation: connection state, message
// demultiplexing, the single in-flight pending_upload, and subscription
// bookkeeping. Outbound delivery is serialized through a bounded channel
// drained by a dedicated writer goroutine, matching §5's "outbound
// session writes are serialized per session."
type Session struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	logger *zap.Logger

	mu                sync.Mutex
	authenticated     bool
	createdTaskIDs    map[string]struct{}
	subscribedTaskIDs map[string]struct{}
	pending           *pendingUpload
	lastSeenAt        time.Time

	out       chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, conn *websocket.Conn, hub *Hub, outboundBuffer int, logger *zap.Logger) *Session {
	return &Session{
		ID:                id,
		conn:              conn,
		hub:               hub,
		logger:            logger,
		createdTaskIDs:    make(map[string]struct{}),
		subscribedTaskIDs: make(map[string]struct{}),
		out:               make(chan Envelope, outboundBuffer),
		done:              make(chan struct{}),
		lastSeenAt:         time.Now(),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeenAt = time.Now()
	s.mu.Unlock()
}

// LastSeen reports the last time a frame was received from this session,
// used by the Public Surface's idle-connection sweep.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenAt
}

// send is the non-blocking, drop-on-backpressure path for non-terminal
// events.
func (s *Session) send(env Envelope) {
	select {
	case s.out <- env:
	case <-s.done:
	default:
		metrics.SessionMessagesDropped.WithLabelValues(env.Type).Inc()
	}
}

// sendTerminal never silently drops a terminal event: it gives the
// writer pump a short window to catch up, and closes the session rather
// than lose the event, per spec.md §4.2.
func (s *Session) sendTerminal(env Envelope) {
	select {
	case s.out <- env:
		return
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- env:
	case <-s.done:
	case <-time.After(2 * time.Second):
		metrics.SessionClosedOnBackpressure.Inc()
		s.Close()
	}
}

func (s *Session) writePump() {
	for {
		select {
		case env, ok := <-s.out:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteJSON(env); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close tears down the session: closes the connection, stops the writer
// pump, and removes the session from the Hub's registry. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.hub.unregister(s)
		metrics.SessionsConnected.Dec()
	})
}

// HandleFrame dispatches one inbound text frame to the matching handler.
func (s *Session) HandleFrame(raw []byte) {
	s.touch()

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.send(errorEvent(string(errkind.InvalidMessage), "malformed envelope", ""))
		return
	}

	switch env.Type {
	case MsgAuth:
		s.handleAuth(env.Data)
	case MsgUploadRequest:
		s.handleUploadRequest(env.Data)
	case MsgUploadData:
		s.handleUploadData(env.Data)
	case MsgUploadChunk:
		s.handleUploadChunk(env.Data)
	case MsgTaskStatus:
		s.handleTaskStatus(env.Data)
	case MsgCancel:
		s.handleCancel(env.Data)
	case MsgPing:
		s.send(pongEvent())
	default:
		s.send(errorEvent(string(errkind.InvalidMessage), "unrecognized message type: "+env.Type, ""))
	}
}

func (s *Session) handleAuth(data json.RawMessage) {
	payload, err := decode[authPayload](data)
	if err != nil {
		s.send(errorEvent(string(errkind.InvalidMessage), err.Error(), ""))
		return
	}
	if !s.hub.cfg.AuthEnabled || payload.Token == s.hub.cfg.AuthToken {
		s.mu.Lock()
		s.authenticated = true
		s.mu.Unlock()
		s.send(authOKEvent())
		return
	}
	s.send(errorEvent(string(errkind.AuthFailed), "invalid token", ""))
}

func (s *Session) requireAuth() bool {
	if !s.hub.cfg.AuthEnabled {
		return true
	}
	s.mu.Lock()
	ok := s.authenticated
	s.mu.Unlock()
	if !ok {
		s.send(errorEvent(string(errkind.AuthFailed), "authenticate first", ""))
	}
	return ok
}

// handleUploadRequest declares a chunked transfer, unless the file_hash
// is already cached, in which case the upload is skipped entirely.
func (s *Session) handleUploadRequest(data json.RawMessage) {
	if !s.requireAuth() {
		return
	}
	req, err := decode[uploadRequestPayload](data)
	if err != nil {
		s.send(errorEvent(string(errkind.InvalidMessage), err.Error(), ""))
		return
	}
	if err := s.hub.validateUpload(req.FileSize, req.FileName); err != nil {
		s.send(errorEvent(string(errkind.Classify(err)), err.Error(), ""))
		return
	}

	ctx := context.Background()
	if !req.ForceRefresh {
		if _, found, err := s.hub.peekCache(ctx, req.FileHash); err == nil && found {
			s.submit(ctx, taskmanager.Request{
				FileHash: req.FileHash, FileName: req.FileName, FileSize: req.FileSize,
				OutputFormat: outputFormatOf(req.OutputFormat), CreatorSessionID: s.ID,
			})
			return
		}
	}

	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		s.send(errorEvent(string(errkind.InvalidMessage), "an upload is already in progress", ""))
		return
	}
	pending, err := beginChunked(s.hub.blobs, req)
	if err != nil {
		s.mu.Unlock()
		s.send(errorEvent(string(errkind.Classify(err)), err.Error(), ""))
		return
	}
	pending.id = uuid.NewString()
	s.pending = pending
	s.mu.Unlock()

	s.send(uploadReadyEvent(pending.id))
}

func (s *Session) handleUploadData(data json.RawMessage) {
	if !s.requireAuth() {
		return
	}
	req, err := decode[uploadDataPayload](data)
	if err != nil {
		s.send(errorEvent(string(errkind.InvalidMessage), err.Error(), ""))
		return
	}
	if err := s.hub.validateUpload(req.FileSize, req.FileName); err != nil {
		s.send(errorEvent(string(errkind.Classify(err)), err.Error(), ""))
		return
	}

	ctx := context.Background()
	if !req.ForceRefresh {
		if _, found, err := s.hub.peekCache(ctx, req.FileHash); err == nil && found {
			s.submit(ctx, taskmanager.Request{
				FileHash: req.FileHash, FileName: req.FileName, FileSize: req.FileSize,
				OutputFormat: outputFormatOf(req.OutputFormat), CreatorSessionID: s.ID,
			})
			return
		}
	}

	if err := singleShot(s.hub.blobs, req); err != nil {
		s.send(errorEvent(string(errkind.Classify(err)), err.Error(), ""))
		return
	}
	s.submit(ctx, taskmanager.Request{
		FileHash: req.FileHash, FileName: req.FileName, FileSize: req.FileSize,
		OutputFormat: outputFormatOf(req.OutputFormat), CreatorSessionID: s.ID, ForceRefresh: req.ForceRefresh,
	})
}

func (s *Session) handleUploadChunk(data json.RawMessage) {
	chunk, err := decode[uploadChunkPayload](data)
	if err != nil {
		s.send(errorEvent(string(errkind.InvalidMessage), err.Error(), ""))
		return
	}

	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	if pending == nil || pending.id != chunk.TaskID {
		s.send(errorEvent(string(errkind.UnknownTask), "no matching pending upload", chunk.TaskID))
		return
	}

	status, err := pending.writeChunk(s.hub.blobs, chunk)
	if err != nil {
		s.clearPending()
		s.send(errorEvent(string(errkind.Classify(err)), err.Error(), chunk.TaskID))
		return
	}

	switch status {
	case chunkDuplicate:
		s.send(chunkReceivedEvent(chunk.TaskID, chunk.ChunkIndex, "duplicate"))
	case chunkAccepted:
		s.send(chunkReceivedEvent(chunk.TaskID, chunk.ChunkIndex, "ok"))
	case chunkComplete:
		s.send(chunkReceivedEvent(chunk.TaskID, chunk.ChunkIndex, "ok"))
		s.finishChunkedUpload(pending)
	}
}

func (s *Session) finishChunkedUpload(pending *pendingUpload) {
	if err := pending.finalize(s.hub.blobs); err != nil {
		s.clearPending()
		s.send(errorEvent(string(errkind.Classify(err)), err.Error(), pending.id))
		return
	}
	s.clearPending()
	s.submit(context.Background(), taskmanager.Request{
		FileHash: pending.expectedHash, FileName: pending.fileName, FileSize: pending.expectedSize,
		OutputFormat: pending.outputFormat, CreatorSessionID: s.ID, ForceRefresh: pending.forceRefresh,
	})
}

func (s *Session) clearPending() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

func (s *Session) submit(ctx context.Context, req taskmanager.Request) {
	result, err := s.hub.mgr.Submit(ctx, req)
	if err != nil {
		s.send(errorEvent(string(errkind.Classify(err)), err.Error(), ""))
		return
	}

	s.mu.Lock()
	s.createdTaskIDs[result.TaskID] = struct{}{}
	s.subscribedTaskIDs[result.TaskID] = struct{}{}
	s.mu.Unlock()

	if result.Mode != taskmanager.ModeCacheHit {
		s.send(uploadCompleteEvent(result.TaskID))
	}
	// task_queued / task_complete arrive asynchronously through the Hub's
	// EventSink fan-out; the creator is already a subscriber by the time
	// Submit returns.
}

func (s *Session) handleTaskStatus(data json.RawMessage) {
	req, err := decode[taskStatusPayload](data)
	if err != nil {
		s.send(errorEvent(string(errkind.InvalidMessage), err.Error(), ""))
		return
	}
	snap, ok := s.hub.mgr.Snapshot(req.TaskID)
	if !ok {
		s.send(errorEvent(string(errkind.UnknownTask), req.TaskID, req.TaskID))
		return
	}
	percent := 0
	if snap.Status == task.StatusCompleted {
		percent = 100
	}
	s.send(taskProgressEvent(req.TaskID, percent, string(snap.Status)))
}

func (s *Session) handleCancel(data json.RawMessage) {
	req, err := decode[cancelPayload](data)
	if err != nil {
		s.send(errorEvent(string(errkind.InvalidMessage), err.Error(), ""))
		return
	}
	if _, err := s.hub.mgr.Cancel(req.TaskID, s.ID); err != nil {
		s.send(errorEvent(string(errkind.Classify(err)), err.Error(), req.TaskID))
	}
}
