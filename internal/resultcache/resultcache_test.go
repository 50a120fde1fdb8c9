package resultcache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sprintscribe/transcribe-sprint/internal/engine"
	"github.com/sprintscribe/transcribe-sprint/internal/storage"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "resultcache.db")
	store, err := storage.New(storage.Config{Backend: storage.SQLite, DSN: dsn, MaxConns: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	c, err := New(store, 16, time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func sampleRaw() engine.RawResult {
	return engine.RawResult{
		Sentences: []engine.Sentence{
			{Text: "hello", StartMS: 0, EndMS: 500, SpeakerID: 0},
		},
		DurationMS: 500,
	}
}

func TestPutRawThenGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.PutRaw(ctx, "hash-1", sampleRaw()))

	got, found, err := c.Get(ctx, "hash-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, sampleRaw(), got)
}

func TestGetMissingHash(t *testing.T) {
	c := newTestCache(t)
	_, found, err := c.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestPutRawFirstWriterWins(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	first := sampleRaw()
	require.NoError(t, c.PutRaw(ctx, "hash-1", first))

	second := engine.RawResult{Sentences: []engine.Sentence{{Text: "different", EndMS: 999}}}
	require.NoError(t, c.PutRaw(ctx, "hash-1", second))

	got, found, err := c.Get(ctx, "hash-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, first, got)
}

func TestGetOrDeriveFormatCachesResult(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.PutRaw(ctx, "hash-1", sampleRaw()))

	var calls int32
	derive := func(raw engine.RawResult) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte(fmt.Sprintf(`{"n":%d}`, len(raw.Sentences))), nil
	}

	payload1, err := c.GetOrDeriveFormat(ctx, "hash-1", "json", derive)
	require.NoError(t, err)
	payload2, err := c.GetOrDeriveFormat(ctx, "hash-1", "json", derive)
	require.NoError(t, err)

	require.Equal(t, payload1, payload2)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrDeriveFormatSingleflightCollapse(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.PutRaw(ctx, "hash-1", sampleRaw()))

	var calls int32
	derive := func(raw engine.RawResult) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return []byte(`{"ok":true}`), nil
	}

	const N = 16
	var wg sync.WaitGroup
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			_, err := c.GetOrDeriveFormat(ctx, "hash-1", "srt", derive)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrDeriveFormatDistinctFormatsDeriveIndependently(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.PutRaw(ctx, "hash-1", sampleRaw()))

	jsonDerive := func(engine.RawResult) ([]byte, error) { return []byte(`{"fmt":"json"}`), nil }
	srtDerive := func(engine.RawResult) ([]byte, error) { return []byte(`{"fmt":"srt"}`), nil }

	jsonPayload, err := c.GetOrDeriveFormat(ctx, "hash-1", "json", jsonDerive)
	require.NoError(t, err)
	srtPayload, err := c.GetOrDeriveFormat(ctx, "hash-1", "srt", srtDerive)
	require.NoError(t, err)

	require.NotEqual(t, jsonPayload, srtPayload)
}

func TestEvictRemovesEntry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.PutRaw(ctx, "hash-1", sampleRaw()))

	require.NoError(t, c.Evict(ctx, "hash-1"))

	_, found, err := c.Get(ctx, "hash-1")
	require.NoError(t, err)
	require.False(t, found)
}
