package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sprintscribe/transcribe-sprint/internal/engine/fakeengine"
	"github.com/sprintscribe/transcribe-sprint/internal/errkind"
)

func breakerCfg() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, Timeout: 50 * time.Millisecond}
}

func TestSerializedTranscribeSuccess(t *testing.T) {
	backend := &fakeengine.Backend{}
	a := NewSerialized(backend, breakerCfg(), nil)

	result, err := a.Transcribe("/tmp/audio.wav", Hints{}, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, result.Sentences)
}

func TestSerializedSerializesConcurrentCalls(t *testing.T) {
	backend := &fakeengine.Backend{Delay: 20 * time.Millisecond}
	a := NewSerialized(backend, breakerCfg(), nil)

	var wg sync.WaitGroup
	const N = 5
	wg.Add(N)
	start := time.Now()
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			_, err := a.Transcribe("/tmp/a.wav", Hints{}, time.Second)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, N*15*time.Millisecond)
}

func TestSerializedClassifiesTransientFault(t *testing.T) {
	backend := &fakeengine.Backend{FailTimes: 1}
	a := NewSerialized(backend, breakerCfg(), nil)

	_, err := a.Transcribe("/tmp/a.wav", Hints{}, time.Second)
	require.Error(t, err)
	require.Equal(t, errkind.TransientEngineFault, errkind.Classify(err))
}

func TestTranscribeTimesOut(t *testing.T) {
	backend := &fakeengine.Backend{Delay: 200 * time.Millisecond}
	a := NewSerialized(backend, breakerCfg(), nil)

	_, err := a.Transcribe("/tmp/a.wav", Hints{}, 10*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, errkind.TaskTimeout, errkind.Classify(err))
}

func TestPooledAllowsConcurrentTranscribe(t *testing.T) {
	backends := []Backend{
		&fakeengine.Backend{Delay: 30 * time.Millisecond},
		&fakeengine.Backend{Delay: 30 * time.Millisecond},
	}
	a := NewPooled(backends, breakerCfg(), nil)

	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, err := a.Transcribe("/tmp/a.wav", Hints{}, time.Second)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	require.Less(t, elapsed, 55*time.Millisecond)
}

func TestPooledSecondCallWaitsForFreeSlot(t *testing.T) {
	backends := []Backend{
		&fakeengine.Backend{Delay: 30 * time.Millisecond},
	}
	a := NewPooled(backends, breakerCfg(), nil)

	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, err := a.Transcribe("/tmp/a.wav", Hints{}, time.Second)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 55*time.Millisecond)
}

func TestBreakerTripsAfterRepeatedFailures(t *testing.T) {
	backend := &fakeengine.Backend{PermanentErr: errors.New("boom")}
	a := NewSerialized(backend, BreakerConfig{FailureThreshold: 2, Timeout: time.Second}, nil)

	for i := 0; i < 2; i++ {
		_, err := a.Transcribe("/tmp/a.wav", Hints{}, time.Second)
		require.Error(t, err)
	}

	_, err := a.Transcribe("/tmp/a.wav", Hints{}, time.Second)
	require.Error(t, err)
	require.Equal(t, errkind.TransientEngineFault, errkind.Classify(err))
}
