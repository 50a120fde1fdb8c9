// Package fakeengine is a deterministic Backend used by tests in place
// of a real speech model.
package fakeengine

import (
	"sync/atomic"
	"time"

	"github.com/sprintscribe/transcribe-sprint/internal/engine"
	"github.com/sprintscribe/transcribe-sprint/internal/errkind"
)

// Backend is a configurable fake: it can simulate latency, a fixed
// number of transient failures before succeeding, or a permanent error.
type Backend struct {
	Delay        time.Duration
	FailTimes    int32
	PermanentErr error
	Result       engine.RawResult

	calls int32
}

// Calls returns how many times Transcribe has been invoked.
func (b *Backend) Calls() int32 {
	return atomic.LoadInt32(&b.calls)
}

// Transcribe implements engine.Backend.
func (b *Backend) Transcribe(path string, hints engine.Hints) (engine.RawResult, error) {
	n := atomic.AddInt32(&b.calls, 1)
	if b.Delay > 0 {
		time.Sleep(b.Delay)
	}
	if b.PermanentErr != nil {
		return engine.RawResult{}, b.PermanentErr
	}
	if n <= b.FailTimes {
		return engine.RawResult{}, errkind.New(errkind.TransientEngineFault, "fakeengine: simulated transient fault")
	}
	if len(b.Result.Sentences) == 0 {
		return engine.RawResult{
			Sentences: []engine.Sentence{
				{Text: "hello world", StartMS: 0, EndMS: 1200, SpeakerID: 0},
			},
			DurationMS: 1200,
		}, nil
	}
	return b.Result, nil
}
