// Package resultcache is the durable, hash-keyed store of raw engine
// results and their lazily derived output formats. GetOrDeriveFormat
// collapses concurrent identical derivations behind a singleflight gate,
// the same pattern the teacher's internal/cache.EnterpriseCache uses
// (there imported as xsync) around its own GetOrLoad.
package resultcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sprintscribe/transcribe-sprint/internal/engine"
	"github.com/sprintscribe/transcribe-sprint/internal/metrics"
	"github.com/sprintscribe/transcribe-sprint/internal/storage"
)

// entry is the persisted shape behind each file_hash: the raw result plus
// whatever formats have been derived from it so far.
type entry struct {
	Raw          engine.RawResult           `json:"raw"`
	Formats      map[string]json.RawMessage `json:"formats"`
	CreatedAt    time.Time                  `json:"created_at"`
	LastAccessAt time.Time                  `json:"last_access_at"`
}

// DeriveFunc produces a format-specific payload from a raw result.
type DeriveFunc func(engine.RawResult) ([]byte, error)

// Cache implements Get/PutRaw/GetOrDeriveFormat/Evict over a durable
// storage.Store, fronted by a hashicorp/golang-lru layer for hot hashes.
type Cache struct {
	store *storage.Store
	hot   *lru.Cache
	sf    singleflight.Group
	ttl   time.Duration
	logger *zap.Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	stop chan struct{}
}

// New opens a Cache backed by store, keeping up to hotSize entries in
// memory and expiring entries untouched for longer than ttl.
func New(store *storage.Store, hotSize int, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	hot, err := lru.New(hotSize)
	if err != nil {
		return nil, fmt.Errorf("resultcache: create hot cache: %w", err)
	}
	c := &Cache{
		store:  store,
		hot:    hot,
		ttl:    ttl,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		stop:   make(chan struct{}),
	}
	return c, nil
}

func (c *Cache) getLock(hash string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	if m, ok := c.locks[hash]; ok {
		return m
	}
	m := &sync.Mutex{}
	c.locks[hash] = m
	return m
}

func (c *Cache) dropLock(hash string) {
	c.lockMu.Lock()
	delete(c.locks, hash)
	c.lockMu.Unlock()
}

func (c *Cache) load(ctx context.Context, hash string) (*entry, bool, error) {
	if v, ok := c.hot.Get(hash); ok {
		e := v.(*entry)
		return e, true, nil
	}
	raw, found, err := c.store.Get(ctx, hash)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("resultcache: decode entry %q: %w", hash, err)
	}
	c.hot.Add(hash, &e)
	return &e, true, nil
}

func (c *Cache) persist(ctx context.Context, hash string, e *entry) error {
	c.hot.Add(hash, e)
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("resultcache: encode entry %q: %w", hash, err)
	}
	return c.store.Put(ctx, hash, buf)
}

// Get returns the raw result for hash, refreshing last_access_at, or
// found=false if no entry exists.
func (c *Cache) Get(ctx context.Context, hash string) (engine.RawResult, bool, error) {
	lock := c.getLock(hash)
	lock.Lock()
	defer func() {
		lock.Unlock()
		c.dropLock(hash)
	}()

	e, found, err := c.load(ctx, hash)
	if err != nil {
		return engine.RawResult{}, false, err
	}
	if !found {
		metrics.ResultCacheMisses.Inc()
		return engine.RawResult{}, false, nil
	}
	metrics.ResultCacheHits.WithLabelValues("raw").Inc()
	e.LastAccessAt = time.Now()
	if err := c.persist(ctx, hash, e); err != nil {
		return engine.RawResult{}, false, err
	}
	return e.Raw, true, nil
}

// PutRaw stores raw under hash. First-writer-wins: a subsequent call for
// a hash that already has a raw result only refreshes last_access_at, per
// spec.md's "raw_result immutable once written."
func (c *Cache) PutRaw(ctx context.Context, hash string, raw engine.RawResult) error {
	lock := c.getLock(hash)
	lock.Lock()
	defer func() {
		lock.Unlock()
		c.dropLock(hash)
	}()

	e, found, err := c.load(ctx, hash)
	if err != nil {
		return err
	}
	now := time.Now()
	if found {
		e.LastAccessAt = now
		return c.persist(ctx, hash, e)
	}
	e = &entry{
		Raw:          raw,
		Formats:      make(map[string]json.RawMessage),
		CreatedAt:    now,
		LastAccessAt: now,
	}
	return c.persist(ctx, hash, e)
}

// GetOrDeriveFormat returns the cached payload for (hash, format),
// deriving and caching it via derive exactly once across any number of
// concurrent callers requesting the same (hash, format) pair.
func (c *Cache) GetOrDeriveFormat(ctx context.Context, hash, format string, derive DeriveFunc) ([]byte, error) {
	sfKey := hash + ":" + format
	v, err, _ := c.sf.Do(sfKey, func() (interface{}, error) {
		lock := c.getLock(hash)
		lock.Lock()
		defer func() {
			lock.Unlock()
			c.dropLock(hash)
		}()

		e, found, err := c.load(ctx, hash)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("resultcache: no raw result for hash %q", hash)
		}
		if payload, ok := e.Formats[format]; ok {
			metrics.ResultCacheHits.WithLabelValues("derived").Inc()
			e.LastAccessAt = time.Now()
			if err := c.persist(ctx, hash, e); err != nil {
				return nil, err
			}
			return []byte(payload), nil
		}

		metrics.ResultCacheDerivations.Inc()
		payload, err := derive(e.Raw)
		if err != nil {
			return nil, err
		}
		e.Formats[format] = json.RawMessage(payload)
		e.LastAccessAt = time.Now()
		if err := c.persist(ctx, hash, e); err != nil {
			return nil, err
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Evict removes hash from both the hot cache and the durable backend.
func (c *Cache) Evict(ctx context.Context, hash string) error {
	lock := c.getLock(hash)
	lock.Lock()
	defer func() {
		lock.Unlock()
		c.dropLock(hash)
	}()
	c.hot.Remove(hash)
	if err := c.store.Delete(ctx, hash); err != nil {
		return err
	}
	metrics.ResultCacheEvictions.Inc()
	return nil
}

// StartSweeper runs a background loop that removes entries untouched for
// longer than ttl, checking every interval.
func (c *Cache) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-c.ttl)
				n, err := c.store.DeleteOlderThan(context.Background(), cutoff)
				if err != nil {
					if c.logger != nil {
						c.logger.Warn("resultcache: sweep failed", zap.Error(err))
					}
					continue
				}
				if n > 0 {
					metrics.ResultCacheEvictions.Add(float64(n))
					c.purgeHotOlderThan(cutoff)
				}
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *Cache) purgeHotOlderThan(cutoff time.Time) {
	for _, key := range c.hot.Keys() {
		v, ok := c.hot.Peek(key)
		if !ok {
			continue
		}
		if e, ok := v.(*entry); ok && e.LastAccessAt.Before(cutoff) {
			c.hot.Remove(key)
		}
	}
}

// Close stops the sweeper goroutine.
func (c *Cache) Close() {
	close(c.stop)
}
