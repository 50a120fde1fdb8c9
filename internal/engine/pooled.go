package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sprintscribe/transcribe-sprint/internal/metrics"
)

// Pooled gates N independent engine instances behind a semaphore: maximal
// parallelism at N× the memory of Serialized.
type Pooled struct {
	backends []Backend
	sem      *semaphore.Weighted

	freeMu sync.Mutex
	free   []int

	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewPooled wraps backends, one live instance per configured worker.
func NewPooled(backends []Backend, breakerCfg BreakerConfig, logger *zap.Logger) *Pooled {
	free := make([]int, len(backends))
	for i := range backends {
		free[i] = i
	}
	return &Pooled{
		backends: backends,
		sem:      semaphore.NewWeighted(int64(len(backends))),
		free:     free,
		breaker:  newBreaker("engine-pooled", breakerCfg, logger),
		logger:   logger,
	}
}

func (p *Pooled) acquireSlot() int {
	p.freeMu.Lock()
	defer p.freeMu.Unlock()
	n := len(p.free)
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	return idx
}

func (p *Pooled) releaseSlot(idx int) {
	p.freeMu.Lock()
	p.free = append(p.free, idx)
	p.freeMu.Unlock()
}

// Transcribe acquires one free instance from the pool, gated by the
// circuit breaker shared across all instances: a backend that is wedged
// tends to be wedged in every instance (shared model weights, shared
// downstream dependency), so a single breaker for the whole pool trips
// fast instead of exhausting slots one at a time.
func (p *Pooled) Transcribe(path string, hints Hints, timeout time.Duration) (RawResult, error) {
	if err := p.sem.Acquire(context.Background(), 1); err != nil {
		return RawResult{}, err
	}
	defer p.sem.Release(1)

	idx := p.acquireSlot()
	defer p.releaseSlot(idx)
	backend := p.backends[idx]

	result, err := p.breaker.Execute(func() (interface{}, error) {
		r, err := runWithTimeout(backend, path, hints, timeout)
		if err != nil {
			metrics.EngineInvocations.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.EngineInvocations.WithLabelValues("ok").Inc()
		return r, nil
	})
	if err != nil {
		return RawResult{}, classify(err)
	}
	return result.(RawResult), nil
}

// Close is a no-op: instance lifecycles belong to whoever constructed
// the backend slice.
func (p *Pooled) Close() error {
	return nil
}
