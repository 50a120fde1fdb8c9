// Package session owns one WebSocket conversation with a client:
// message demultiplexing, chunked/single-shot upload assembly,
// task->session subscription fan-out, and heartbeat discipline. The
// Hub's fan-out takes the teacher's internal/broadcaster one-topic-to-N
// idea per task_id, but keeps no subscription map of its own: it reads
// each task's subscriber set from the Task Manager on every event.
package session

import (
	"encoding/json"
	"fmt"
)

// Envelope is the single wire frame shape: every inbound and outbound
// message is `{"type": ..., "data": ...}`.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound message kinds.
const (
	MsgAuth          = "auth"
	MsgUploadRequest = "upload_request"
	MsgUploadData    = "upload_data"
	MsgUploadChunk   = "upload_chunk"
	MsgTaskStatus    = "task_status"
	MsgCancel        = "cancel"
	MsgPing          = "ping"
)

// Outbound message kinds.
const (
	MsgConnected      = "connected"
	MsgAuthOK         = "auth_ok"
	MsgUploadReady    = "upload_ready"
	MsgChunkReceived  = "chunk_received"
	MsgUploadComplete = "upload_complete"
	MsgTaskQueued     = "task_queued"
	MsgTaskProgress   = "task_progress"
	MsgTaskComplete   = "task_complete"
	MsgError          = "error"
	MsgPong           = "pong"
)

func encode(msgType string, data any) Envelope {
	buf, err := json.Marshal(data)
	if err != nil {
		buf, _ = json.Marshal(struct{}{})
	}
	return Envelope{Type: msgType, Data: buf}
}

type authPayload struct {
	Token string `json:"token"`
}

// uploadRequestPayload is the recognized field set from spec.md §6's
// "Upload-request fields (recognized only)".
type uploadRequestPayload struct {
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	FileHash     string `json:"file_hash"`
	ForceRefresh bool   `json:"force_refresh"`
	OutputFormat string `json:"output_format"`
	UploadMode   string `json:"upload_mode"`
	ChunkSize    int64  `json:"chunk_size"`
	TotalChunks  int    `json:"total_chunks"`
}

// uploadDataPayload is the single-shot variant: the whole artifact,
// base64-encoded, in one message.
type uploadDataPayload struct {
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	FileHash     string `json:"file_hash"`
	ForceRefresh bool   `json:"force_refresh"`
	OutputFormat string `json:"output_format"`
	Data         string `json:"data"`
}

type uploadChunkPayload struct {
	TaskID     string `json:"task_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkSize  int64  `json:"chunk_size"`
	ChunkHash  string `json:"chunk_hash"`
	ChunkData  string `json:"chunk_data"`
	IsLast     bool   `json:"is_last"`
}

type taskStatusPayload struct {
	TaskID string `json:"task_id"`
}

type cancelPayload struct {
	TaskID string `json:"task_id"`
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("session: decode payload: %w", err)
	}
	return v, nil
}

func connectedEvent(connectionID string) Envelope {
	return encode(MsgConnected, map[string]string{"connection_id": connectionID})
}

func authOKEvent() Envelope {
	return encode(MsgAuthOK, struct{}{})
}

func uploadReadyEvent(taskID string) Envelope {
	return encode(MsgUploadReady, map[string]string{"task_id": taskID})
}

func chunkReceivedEvent(taskID string, index int, status string) Envelope {
	return encode(MsgChunkReceived, map[string]any{
		"task_id": taskID, "chunk_index": index, "status": status,
	})
}

func uploadCompleteEvent(taskID string) Envelope {
	return encode(MsgUploadComplete, map[string]string{"task_id": taskID})
}

func taskQueuedEvent(taskID string, queuePosition int, estimatedWaitMinutes float64) Envelope {
	return encode(MsgTaskQueued, map[string]any{
		"task_id":                taskID,
		"queue_position":         queuePosition,
		"estimated_wait_minutes": estimatedWaitMinutes,
		"message":                "queued for processing",
	})
}

func taskProgressEvent(taskID string, percent int, status string) Envelope {
	return encode(MsgTaskProgress, map[string]any{
		"task_id": taskID, "percent": percent, "status": status,
	})
}

func taskCompleteEvent(taskID string, payload json.RawMessage) Envelope {
	return Envelope{Type: MsgTaskComplete, Data: payload}
}

func taskFailedEvent(taskID, code, message string) Envelope {
	return encode(MsgTaskProgress, map[string]any{
		"task_id": taskID, "status": "Failed", "code": code, "message": message,
	})
}

// taskRetryingEvent reports a transient failure the Task Manager is about
// to retry. Shaped like taskFailedEvent but status "Pending", since the
// task has not actually left the system.
func taskRetryingEvent(taskID, code, message string) Envelope {
	return encode(MsgTaskProgress, map[string]any{
		"task_id": taskID, "status": "Pending", "code": code, "message": message,
	})
}

func errorEvent(code, message, taskID string) Envelope {
	m := map[string]any{"code": code, "message": message}
	if taskID != "" {
		m["task_id"] = taskID
	}
	return encode(MsgError, m)
}

func pongEvent() Envelope {
	return encode(MsgPong, struct{}{})
}
