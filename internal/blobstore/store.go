// Package blobstore owns the on-disk, content-addressed artifacts the
// Task Manager schedules against: chunked admission, hash verification on
// finalize, and refcount-gated deletion. Mutual exclusion per hash follows
// the teacher's per-key lock map (internal/dedup.BlockIndex.getLock),
// generalized from block hashes to file hashes.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sprintscribe/transcribe-sprint/internal/metrics"
)

// ErrNotFound is returned by Acquire and Stat for a hash with no blob, and
// by Acquire for a hash whose only record has refcount 0 and has already
// been deleted.
var ErrNotFound = errors.New("blobstore: not found")

// ErrHashMismatch is returned by Finalize when the assembled artifact's
// sha256 does not equal the hash the upload was opened with.
var ErrHashMismatch = errors.New("blobstore: hash mismatch")

// record is the in-memory handle-table entry for one content hash. There is
// no durable KV behind it: the artifact itself is the durable state, and a
// directory scan on startup (see Reload) reconstructs a refcount-0 entry
// for every artifact still present on disk. The Task Manager's own
// registry does not survive a restart either, so no in-flight task ever
// re-acquires one of these; a refcount-0 blob discovered by Reload is
// simply an orphan from the previous process and is eligible for deletion
// on its own terms (an explicit admin sweep, not this store).
type record struct {
	path      string
	size      int64
	refcount  int
	lastRefAt time.Time
}

// Store implements spec'd BeginUpload/WriteChunk/Finalize/Acquire/Release/
// Stat content-addressed semantics over a root directory.
type Store struct {
	root              string
	deleteImmediately bool
	logger            *zap.Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	mu      sync.RWMutex
	records map[string]*record
}

// Stat is the public view of a blob's bookkeeping.
type Stat struct {
	Size     int64
	Refcount int
}

// Upload is an in-progress chunked or single-shot write, returned by
// BeginUpload and consumed by WriteChunk/Finalize.
type Upload struct {
	hash         string
	expectedSize int64
	tmpPath      string
	finalPath    string
	file         *os.File
}

// New creates a Store rooted at dir, creating it if necessary.
// deleteImmediately mirrors config.DeleteAfterTranscription: when true, a
// blob is removed as soon as its refcount reaches zero; when false the
// caller is responsible for a separate idle-timeout sweep (not
// implemented here — spec.md leaves the idle-timeout variant to future
// work and only requires the immediate-deletion default to exist).
func New(dir string, deleteImmediately bool, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create tmp dir: %w", err)
	}
	return &Store{
		root:              dir,
		deleteImmediately: deleteImmediately,
		logger:            logger,
		locks:             make(map[string]*sync.Mutex),
		records:           make(map[string]*record),
	}, nil
}

func (s *Store) getLock(hash string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if m, ok := s.locks[hash]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.locks[hash] = m
	return m
}

func (s *Store) dropLock(hash string) {
	s.lockMu.Lock()
	delete(s.locks, hash)
	s.lockMu.Unlock()
}

func (s *Store) finalPathFor(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.root, hash)
	}
	return filepath.Join(s.root, hash[:2], hash)
}

// BeginUpload reserves a temporary file for assembling an artifact
// expected to hash to hash and total expectedSize bytes. Concurrent
// BeginUpload calls for the same hash each get a distinct temp file;
// Finalize serializes the winner.
func (s *Store) BeginUpload(hash string, expectedSize int64) (*Upload, error) {
	tmpPath := filepath.Join(s.root, "tmp", fmt.Sprintf("%s.%d.tmp", hash, time.Now().UnixNano()))
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open temp file: %w", err)
	}
	if expectedSize > 0 {
		if err := f.Truncate(expectedSize); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return nil, fmt.Errorf("blobstore: reserve size: %w", err)
		}
	}
	return &Upload{
		hash:         hash,
		expectedSize: expectedSize,
		tmpPath:      tmpPath,
		finalPath:    s.finalPathFor(hash),
		file:         f,
	}, nil
}

// WriteChunk writes bytes at offset within the reserved artifact. Offsets
// need not arrive in order; chunked uploads may interleave.
func (s *Store) WriteChunk(u *Upload, offset int64, chunk []byte) error {
	_, err := u.file.WriteAt(chunk, offset)
	if err != nil {
		return fmt.Errorf("blobstore: write chunk: %w", err)
	}
	return nil
}

// Finalize verifies the assembled artifact's sha256 equals the hash the
// upload was opened with, then atomically renames it into place. On
// mismatch the temp file is discarded and no refcount is touched — the
// caller (Task Manager) must reject admission with FileHashMismatch per
// spec.md §4.2 without ever crediting a blob reference.
func (s *Store) Finalize(u *Upload) (hashOK bool, err error) {
	defer u.file.Close()

	if _, err := u.file.Seek(0, io.SeekStart); err != nil {
		os.Remove(u.tmpPath)
		return false, fmt.Errorf("blobstore: seek for hash: %w", err)
	}
	h := sha256.New()
	size, err := io.Copy(h, u.file)
	if err != nil {
		os.Remove(u.tmpPath)
		return false, fmt.Errorf("blobstore: hash temp file: %w", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if sum != u.hash {
		os.Remove(u.tmpPath)
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(u.finalPath), 0o755); err != nil {
		os.Remove(u.tmpPath)
		return false, fmt.Errorf("blobstore: create shard dir: %w", err)
	}

	lock := s.getLock(u.hash)
	lock.Lock()
	defer func() {
		lock.Unlock()
		s.dropLock(u.hash)
	}()

	if _, statErr := os.Stat(u.finalPath); statErr == nil {
		// Another uploader of the same hash already won the rename;
		// this is not an error, just a discarded loser per spec.md §4.3.
		os.Remove(u.tmpPath)
		s.touchExisting(u.hash, size)
		return true, nil
	}

	if err := os.Rename(u.tmpPath, u.finalPath); err != nil {
		os.Remove(u.tmpPath)
		return false, fmt.Errorf("blobstore: rename into place: %w", err)
	}

	s.mu.Lock()
	if _, ok := s.records[u.hash]; !ok {
		s.records[u.hash] = &record{path: u.finalPath, size: size}
		metrics.BlobBytesStored.Add(float64(size))
	}
	s.mu.Unlock()

	return true, nil
}

func (s *Store) touchExisting(hash string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[hash]; !ok {
		s.records[hash] = &record{path: s.finalPathFor(hash), size: size}
	}
}

// Acquire increments the refcount for hash and returns its path. Returns
// ErrNotFound if no blob with this hash has ever been finalized, or if it
// was finalized but already deleted after its refcount reached zero.
func (s *Store) Acquire(hash string) (string, error) {
	lock := s.getLock(hash)
	lock.Lock()
	defer func() {
		lock.Unlock()
		s.dropLock(hash)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[hash]
	if !ok {
		return "", ErrNotFound
	}
	wasZero := r.refcount == 0
	r.refcount++
	r.lastRefAt = time.Now()
	if wasZero {
		metrics.BlobActiveCount.Inc()
	}
	return r.path, nil
}

// Release decrements the refcount for hash. At refcount zero, and when
// the store was configured to delete immediately, the artifact is removed
// from disk and its record dropped — unless another non-terminal task
// still references the hash, which Acquire/Release pairing guarantees
// cannot happen concurrently because each caller's reference is tracked
// by exactly one Acquire/Release pair.
func (s *Store) Release(hash string) error {
	lock := s.getLock(hash)
	lock.Lock()
	defer func() {
		lock.Unlock()
		s.dropLock(hash)
	}()

	s.mu.Lock()
	r, ok := s.records[hash]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if r.refcount > 0 {
		r.refcount--
	}
	zero := r.refcount == 0
	path := r.path
	s.mu.Unlock()

	if !zero {
		return nil
	}
	metrics.BlobActiveCount.Dec()
	if !s.deleteImmediately {
		return nil
	}
	return s.deleteRecord(hash, path)
}

func (s *Store) deleteRecord(hash, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: delete artifact: %w", err)
	}
	s.mu.Lock()
	if r, ok := s.records[hash]; ok {
		metrics.BlobBytesStored.Add(-float64(r.size))
		delete(s.records, hash)
	}
	s.mu.Unlock()
	metrics.BlobDeletions.Inc()
	return nil
}

// StatOf reports a hash's current size and refcount.
func (s *Store) StatOf(hash string) (Stat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[hash]
	if !ok {
		return Stat{}, ErrNotFound
	}
	return Stat{Size: r.size, Refcount: r.refcount}, nil
}

// Reload rebuilds in-memory bookkeeping from artifacts already present
// under root after a restart, so that a completed upload from a previous
// process remains Acquire-able (and Stat-able) without re-uploading. Every
// artifact found is seeded at refcount 0: the Task Manager keeps no
// durable task registry, so nothing ever replays an old in-flight
// reference, and seeding above zero would invent a reference nobody holds.
// A subsequent Acquire for one of these hashes behaves exactly like a
// fresh finalize, and Release can take it back to deletion once its new
// references drop away.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("blobstore: read root: %w", err)
	}
	for _, shard := range entries {
		if !shard.IsDir() || shard.Name() == "tmp" {
			continue
		}
		shardPath := filepath.Join(s.root, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			hash := f.Name()
			s.mu.Lock()
			if _, ok := s.records[hash]; !ok {
				s.records[hash] = &record{
					path:     filepath.Join(shardPath, hash),
					size:     info.Size(),
					refcount: 0,
				}
				metrics.BlobBytesStored.Add(float64(info.Size()))
			}
			s.mu.Unlock()
		}
	}
	if s.logger != nil {
		s.logger.Info("blobstore: reload complete", zap.Int("artifacts", len(s.records)))
	}
	return nil
}
