package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, deleteImmediately bool) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, deleteImmediately, nil)
	require.NoError(t, err)
	return s
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func putBlob(t *testing.T, s *Store, data []byte) string {
	t.Helper()
	hash := hashOf(data)
	u, err := s.BeginUpload(hash, int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, s.WriteChunk(u, 0, data))
	ok, err := s.Finalize(u)
	require.NoError(t, err)
	require.True(t, ok)
	return hash
}

func TestFinalizeVerifiesHash(t *testing.T) {
	s := newTestStore(t, true)
	data := []byte("hello transcription")
	hash := hashOf(data)

	u, err := s.BeginUpload(hash, int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, s.WriteChunk(u, 0, data))

	ok, err := s.Finalize(u)
	require.NoError(t, err)
	require.True(t, ok)

	st, err := s.StatOf(hash)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), st.Size)
	require.Equal(t, 0, st.Refcount)
}

func TestFinalizeRejectsMismatch(t *testing.T) {
	s := newTestStore(t, true)
	claimedHash := hashOf([]byte("expected content"))

	u, err := s.BeginUpload(claimedHash, 5)
	require.NoError(t, err)
	require.NoError(t, s.WriteChunk(u, 0, []byte("wrong")))

	ok, err := s.Finalize(u)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.StatOf(claimedHash)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestChunksOutOfOrder(t *testing.T) {
	s := newTestStore(t, true)
	data := []byte("abcdefghij")
	hash := hashOf(data)

	u, err := s.BeginUpload(hash, int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, s.WriteChunk(u, 5, data[5:]))
	require.NoError(t, s.WriteChunk(u, 0, data[:5]))

	ok, err := s.Finalize(u)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAcquireReleaseRefcount(t *testing.T) {
	s := newTestStore(t, true)
	data := []byte("refcounted artifact")
	hash := putBlob(t, s, data)

	path1, err := s.Acquire(hash)
	require.NoError(t, err)
	path2, err := s.Acquire(hash)
	require.NoError(t, err)
	require.Equal(t, path1, path2)

	st, err := s.StatOf(hash)
	require.NoError(t, err)
	require.Equal(t, 2, st.Refcount)

	require.NoError(t, s.Release(hash))
	st, err = s.StatOf(hash)
	require.NoError(t, err)
	require.Equal(t, 1, st.Refcount)

	// Still referenced once: the artifact must still be on disk.
	_, err = os.Stat(path1)
	require.NoError(t, err)

	require.NoError(t, s.Release(hash))
	_, err = s.StatOf(hash)
	require.ErrorIs(t, err, ErrNotFound)

	// Immediate deletion policy: artifact removed once refcount hits zero.
	_, err = os.Stat(path1)
	require.True(t, os.IsNotExist(err))
}

func TestReleaseWithoutImmediateDeletionKeepsArtifact(t *testing.T) {
	s := newTestStore(t, false)
	data := []byte("kept around")
	hash := putBlob(t, s, data)

	path, err := s.Acquire(hash)
	require.NoError(t, err)
	require.NoError(t, s.Release(hash))

	_, err = os.Stat(path)
	require.NoError(t, err)

	st, err := s.StatOf(hash)
	require.NoError(t, err)
	require.Equal(t, 0, st.Refcount)
}

func TestAcquireUnknownHash(t *testing.T) {
	s := newTestStore(t, true)
	_, err := s.Acquire(hashOf([]byte("never uploaded")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentFinalizeSameHashOneWinner(t *testing.T) {
	s := newTestStore(t, true)
	data := []byte("concurrent same content upload")
	hash := hashOf(data)

	const N = 8
	var wg sync.WaitGroup
	oks := make([]bool, N)
	errs := make([]error, N)
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func(i int) {
			defer wg.Done()
			u, err := s.BeginUpload(hash, int64(len(data)))
			if err != nil {
				errs[i] = err
				return
			}
			if werr := s.WriteChunk(u, 0, data); werr != nil {
				errs[i] = werr
				return
			}
			ok, ferr := s.Finalize(u)
			oks[i] = ok
			errs[i] = ferr
		}(i)
	}
	wg.Wait()

	for i := 0; i < N; i++ {
		require.NoError(t, errs[i])
		require.True(t, oks[i])
	}

	st, err := s.StatOf(hash)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), st.Size)
}

func TestReloadReconstructsRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, true, nil)
	require.NoError(t, err)
	data := []byte("persisted across restart")
	hash := putBlob(t, s, data)

	reopened, err := New(dir, true, nil)
	require.NoError(t, err)
	require.NoError(t, reopened.Reload())

	st, err := reopened.StatOf(hash)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), st.Size)
	require.Equal(t, 0, st.Refcount)

	path, err := reopened.Acquire(hash)
	require.NoError(t, err)
	require.FileExists(t, path)
}
