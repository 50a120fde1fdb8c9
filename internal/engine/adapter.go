package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/sprintscribe/transcribe-sprint/internal/errkind"
	"github.com/sprintscribe/transcribe-sprint/internal/metrics"
)

// BreakerConfig configures the circuit breaker every Adapter implementation
// wraps its backend call with.
type BreakerConfig struct {
	FailureThreshold uint32
	Timeout          time.Duration
}

func newBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		Timeout: cfg.Timeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.EngineBreakerState.Set(float64(to))
			if logger != nil {
				logger.Warn("engine: breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			}
		},
	})
}

// runWithTimeout invokes backend.Transcribe on its own goroutine so a
// hard task_timeout can be enforced even though Backend itself has no
// cancellation contract; a transcription that outruns the deadline is
// reported as TaskTimeout while the goroutine is left to finish and is
// discarded, matching spec.md's "exceeding it is treated as a permanent
// failure."
func runWithTimeout(backend Backend, path string, hints Hints, timeout time.Duration) (RawResult, error) {
	type outcome struct {
		result RawResult
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		r, err := backend.Transcribe(path, hints)
		r.ProcessingMS = time.Since(start).Milliseconds()
		done <- outcome{result: r, err: err}
	}()

	if timeout <= 0 {
		o := <-done
		return o.result, o.err
	}

	select {
	case o := <-done:
		return o.result, o.err
	case <-time.After(timeout):
		return RawResult{}, errkind.New(errkind.TaskTimeout, fmt.Sprintf("transcription exceeded %s", timeout))
	}
}

// classify turns a breaker or backend error into the TransientEngineFault
// kind the Task Manager's retry policy recognizes, preserving any more
// specific *errkind.Error the backend already returned.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ke *errkind.Error
	if errors.As(err, &ke) {
		return ke
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errkind.New(errkind.TransientEngineFault, err.Error())
	}
	return errkind.New(errkind.TransientEngineFault, err.Error())
}
