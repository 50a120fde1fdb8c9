package engine

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/sprintscribe/transcribe-sprint/internal/metrics"
)

// Serialized gates a single non-reentrant engine instance behind a mutex:
// the lowest-memory, lowest-parallelism configuration.
type Serialized struct {
	mu      sync.Mutex
	backend Backend
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewSerialized wraps backend with single-instance mutual exclusion.
func NewSerialized(backend Backend, breakerCfg BreakerConfig, logger *zap.Logger) *Serialized {
	return &Serialized{
		backend: backend,
		breaker: newBreaker("engine-serialized", breakerCfg, logger),
		logger:  logger,
	}
}

// Transcribe serializes concurrent callers through the single backend
// instance, gated by the circuit breaker.
func (s *Serialized) Transcribe(path string, hints Hints, timeout time.Duration) (RawResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.breaker.Execute(func() (interface{}, error) {
		r, err := runWithTimeout(s.backend, path, hints, timeout)
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

// Close is a no-op: Serialized does not own any resource beyond backend,
// whose lifecycle belongs to whoever constructed it.
func (s *Serialized) Close() error {
	return nil
}
