package session

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/sprintscribe/transcribe-sprint/internal/blobstore"
	"github.com/sprintscribe/transcribe-sprint/internal/config"
	"github.com/sprintscribe/transcribe-sprint/internal/errkind"
)

// pendingUpload mirrors spec.md §3's "Pending Upload": a session may have
// at most one in-flight chunked assembly at a time.
type pendingUpload struct {
	id            string
	expectedHash  string
	expectedSize  int64
	chunkSize     int64
	totalChunks   int
	received      []bool
	receivedCount int
	forceRefresh  bool
	outputFormat  config.OutputFormat
	fileName      string
	upload        *blobstore.Upload
}

func outputFormatOf(raw string) config.OutputFormat {
	if raw == string(config.FormatSRT) {
		return config.FormatSRT
	}
	return config.FormatJSON
}

// beginChunked opens a Blob Store upload for a declared chunked transfer.
func beginChunked(blobs *blobstore.Store, req uploadRequestPayload) (*pendingUpload, error) {
	if req.TotalChunks <= 0 || req.ChunkSize <= 0 {
		return nil, errkind.New(errkind.InvalidMessage, "upload_request: chunk_size and total_chunks must be positive")
	}
	u, err := blobs.BeginUpload(req.FileHash, req.FileSize)
	if err != nil {
		return nil, fmt.Errorf("session: begin upload: %w", err)
	}
	return &pendingUpload{
		expectedHash: req.FileHash,
		expectedSize: req.FileSize,
		chunkSize:    req.ChunkSize,
		totalChunks:  req.TotalChunks,
		received:     make([]bool, req.TotalChunks),
		forceRefresh: req.ForceRefresh,
		outputFormat: outputFormatOf(req.OutputFormat),
		fileName:     req.FileName,
		upload:       u,
	}, nil
}

// chunkStatus reports how writeChunk resolved.
type chunkStatus int

const (
	chunkAccepted chunkStatus = iota
	chunkDuplicate
	chunkComplete
)

// writeChunk validates and writes one chunk at its offset. Duplicate
// indices are acknowledged without re-writing, per spec.md §4.2.
func (p *pendingUpload) writeChunk(blobs *blobstore.Store, chunk uploadChunkPayload) (chunkStatus, error) {
	if chunk.ChunkIndex < 0 || chunk.ChunkIndex >= p.totalChunks {
		return 0, errkind.New(errkind.InvalidMessage, fmt.Sprintf("chunk_index %d out of range [0,%d)", chunk.ChunkIndex, p.totalChunks))
	}
	if p.received[chunk.ChunkIndex] {
		return chunkDuplicate, nil
	}

	raw, err := base64.StdEncoding.DecodeString(chunk.ChunkData)
	if err != nil {
		return 0, errkind.New(errkind.InvalidMessage, "chunk_data: invalid base64")
	}
	if chunk.ChunkHash != "" {
		sum := sha256.Sum256(raw)
		if hex.EncodeToString(sum[:]) != chunk.ChunkHash {
			return 0, errkind.New(errkind.FileHashMismatch, fmt.Sprintf("chunk %d hash mismatch", chunk.ChunkIndex))
		}
	}

	offset := int64(chunk.ChunkIndex) * p.chunkSize
	if err := blobs.WriteChunk(p.upload, offset, raw); err != nil {
		return 0, fmt.Errorf("session: write chunk %d: %w", chunk.ChunkIndex, err)
	}

	p.received[chunk.ChunkIndex] = true
	p.receivedCount++
	if p.receivedCount == p.totalChunks {
		return chunkComplete, nil
	}
	return chunkAccepted, nil
}

// finalize verifies the assembled artifact's hash and renames it into
// place. A mismatch discards the partial artifact without incrementing
// any refcount, per spec.md §4.2.
func (p *pendingUpload) finalize(blobs *blobstore.Store) error {
	ok, err := blobs.Finalize(p.upload)
	if err != nil {
		return fmt.Errorf("session: finalize upload: %w", err)
	}
	if !ok {
		return errkind.New(errkind.FileHashMismatch, "assembled artifact hash does not match expected_hash")
	}
	return nil
}

// singleShot decodes, verifies, and writes through a one-message upload.
func singleShot(blobs *blobstore.Store, req uploadDataPayload) error {
	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return errkind.New(errkind.InvalidMessage, "data: invalid base64")
	}
	if req.FileSize > 0 && int64(len(raw)) != req.FileSize {
		return errkind.New(errkind.InvalidMessage, fmt.Sprintf("decoded %d bytes, expected %d", len(raw), req.FileSize))
	}

	u, err := blobs.BeginUpload(req.FileHash, int64(len(raw)))
	if err != nil {
		return fmt.Errorf("session: begin upload: %w", err)
	}
	if err := blobs.WriteChunk(u, 0, raw); err != nil {
		return fmt.Errorf("session: write single-shot payload: %w", err)
	}
	ok, err := blobs.Finalize(u)
	if err != nil {
		return fmt.Errorf("session: finalize upload: %w", err)
	}
	if !ok {
		return errkind.New(errkind.FileHashMismatch, "uploaded artifact hash does not match file_hash")
	}
	return nil
}
