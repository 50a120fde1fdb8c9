package taskmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sprintscribe/transcribe-sprint/internal/blobstore"
	"github.com/sprintscribe/transcribe-sprint/internal/config"
	"github.com/sprintscribe/transcribe-sprint/internal/engine"
	"github.com/sprintscribe/transcribe-sprint/internal/errkind"
	"github.com/sprintscribe/transcribe-sprint/internal/formatter"
	"github.com/sprintscribe/transcribe-sprint/internal/metrics"
	"github.com/sprintscribe/transcribe-sprint/internal/resultcache"
	"github.com/sprintscribe/transcribe-sprint/internal/task"
)

// ErrQueueFull is returned by Submit when pending+processing has reached
// cfg.MaxQueueSize.
var ErrQueueFull = errkind.New(errkind.QueueFull, "task queue is at capacity")

// Manager is the scheduler: task registry, bounded FIFO queue, fixed
// worker pool, retry policy, and blob-refcount hooks.
type Manager struct {
	cfg    config.Config
	blobs  *blobstore.Store
	cache  *resultcache.Cache
	eng    engine.Adapter
	events EventSink
	logger *zap.Logger

	mu    sync.RWMutex
	tasks map[string]*task.Task

	// queue is the FIFO the workers drain; its buffered capacity is
	// cfg.MaxQueueSize. Admission itself is gated in Submit by counting
	// Pending and Processing tasks against MaxQueueSize. Submit's send is
	// non-blocking and still rejects if the buffer is full, which can
	// happen while cancelled tasks wait in the channel to be skipped.
	queue chan string

	completedCount int64
	failedCount    int64
	cancelledCount int64

	waitTimes *rollingWindow

	stopCtx    context.Context
	stopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs a Manager. Call Start to launch its worker pool.
func New(cfg config.Config, blobs *blobstore.Store, cache *resultcache.Cache, eng engine.Adapter, events EventSink, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		blobs:      blobs,
		cache:      cache,
		eng:        eng,
		events:     events,
		logger:     logger,
		tasks:      make(map[string]*task.Task),
		queue:      make(chan string, cfg.MaxQueueSize),
		waitTimes:  newRollingWindow(20),
		stopCtx:    ctx,
		stopCancel: cancel,
	}
}

// Start launches MaxConcurrentTasks worker goroutines.
func (m *Manager) Start() {
	for i := 0; i < m.cfg.MaxConcurrentTasks; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	if m.logger != nil {
		m.logger.Info("taskmanager: started",
			zap.Int("workers", m.cfg.MaxConcurrentTasks),
			zap.Int("max_queue_size", m.cfg.MaxQueueSize))
	}
}

// Stop cancels in-flight workers' dispatch loop and waits for them to
// drain. Processing tasks run to completion; only the worker loop's
// intake of new items stops.
func (m *Manager) Stop() {
	m.stopCancel()
	close(m.queue)
	m.wg.Wait()
}

func (m *Manager) validate(req Request) error {
	if req.FileSize > m.cfg.MaxFileSizeBytes() {
		return errkind.New(errkind.FileTooLarge, fmt.Sprintf("%d bytes exceeds limit of %d", req.FileSize, m.cfg.MaxFileSizeBytes()))
	}
	if req.OutputFormat != config.FormatJSON && req.OutputFormat != config.FormatSRT {
		return errkind.New(errkind.UnsupportedFormat, string(req.OutputFormat))
	}
	return nil
}

// Submit admits a request: validates it, short-circuits on a Result
// Cache hit, or registers a Pending task, acquires its blob reference,
// and offers it to the queue.
func (m *Manager) Submit(ctx context.Context, req Request) (SubmitResult, error) {
	if err := m.validate(req); err != nil {
		metrics.TasksSubmitted.WithLabelValues("rejected").Inc()
		return SubmitResult{}, err
	}

	if !req.ForceRefresh && m.cfg.CacheEnabled {
		if raw, found, err := m.cache.Get(ctx, req.FileHash); err != nil {
			return SubmitResult{}, err
		} else if found {
			return m.admitCacheHit(ctx, req, raw)
		}
	}

	path, err := m.blobs.Acquire(req.FileHash)
	if err != nil {
		metrics.TasksSubmitted.WithLabelValues("rejected").Inc()
		return SubmitResult{}, fmt.Errorf("taskmanager: acquire blob %q: %w", req.FileHash, err)
	}

	taskID := uuid.NewString()
	t := task.New(taskID, req.FileHash, req.FileName, req.FileSize, path, req.OutputFormat, req.CreatorSessionID, m.cfg.RetryTimes)

	m.mu.Lock()
	active := 0
	for _, other := range m.tasks {
		if st := other.Status(); st == task.StatusPending || st == task.StatusProcessing {
			active++
		}
	}
	if active >= m.cfg.MaxQueueSize {
		m.mu.Unlock()
		m.blobs.Release(req.FileHash)
		metrics.TasksSubmitted.WithLabelValues("rejected").Inc()
		return SubmitResult{}, ErrQueueFull
	}
	m.tasks[taskID] = t
	m.mu.Unlock()

	select {
	case m.queue <- taskID:
	default:
		m.mu.Lock()
		delete(m.tasks, taskID)
		m.mu.Unlock()
		m.blobs.Release(req.FileHash)
		metrics.TasksSubmitted.WithLabelValues("rejected").Inc()
		return SubmitResult{}, ErrQueueFull
	}

	metrics.TasksSubmitted.WithLabelValues("queued").Inc()
	metrics.QueueDepth.WithLabelValues("pending").Inc()
	position := len(m.queue)
	m.events.TaskQueued(taskID, position)

	return SubmitResult{TaskID: taskID, Mode: ModeQueued, QueuePosition: position}, nil
}

// admitCacheHit synthesizes a Completed task from an existing Result
// Cache entry and fans out completion synchronously, per spec's "cache
// hits bypass the queue and complete synchronously during Submit."
func (m *Manager) admitCacheHit(ctx context.Context, req Request, raw engine.RawResult) (SubmitResult, error) {
	taskID := uuid.NewString()
	t := task.New(taskID, req.FileHash, req.FileName, req.FileSize, req.BlobPath, req.OutputFormat, req.CreatorSessionID, m.cfg.RetryTimes)
	t.Dispatch()

	payload, err := m.derive(ctx, t, raw)
	if err != nil {
		return SubmitResult{}, err
	}
	t.Complete(req.FileHash)

	m.mu.Lock()
	m.tasks[taskID] = t
	m.mu.Unlock()

	atomic.AddInt64(&m.completedCount, 1)
	metrics.TasksSubmitted.WithLabelValues("cache_hit").Inc()
	metrics.TasksCompleted.WithLabelValues(string(task.StatusCompleted)).Inc()
	m.events.TaskComplete(taskID, req.OutputFormat, payload)

	return SubmitResult{TaskID: taskID, Mode: ModeCacheHit}, nil
}

func (m *Manager) derive(ctx context.Context, t *task.Task, raw engine.RawResult) ([]byte, error) {
	switch t.OutputFormat {
	case config.FormatSRT:
		return m.cache.GetOrDeriveFormat(ctx, t.FileHash, string(config.FormatSRT), func(raw engine.RawResult) ([]byte, error) {
			return json.Marshal(map[string]string{
				"format":    string(config.FormatSRT),
				"content":   formatter.ToSRT(raw),
				"file_name": t.FileName,
				"file_hash": t.FileHash,
			})
		})
	default:
		return m.cache.GetOrDeriveFormat(ctx, t.FileHash, string(config.FormatJSON), func(raw engine.RawResult) ([]byte, error) {
			return json.Marshal(formatter.ToJSON(raw, t.ID, t.FileName, t.FileHash, m.cfg.MergeGap()))
		})
	}
}

func (m *Manager) getTask(taskID string) (*task.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	return t, ok
}

// Subscribers returns the current subscriber set for taskID, or nil if
// the task is unknown. The Session Layer's Hub uses this as the
// authoritative fan-out list instead of keeping its own mirror, since a
// task's creator is already a subscriber at the moment it is registered
// — before any worker can possibly reach a terminal transition.
func (m *Manager) Subscribers(taskID string) []string {
	t, ok := m.getTask(taskID)
	if !ok {
		return nil
	}
	return t.Subscribers()
}

// Snapshot returns a point-in-time view of taskID for task_status replies.
func (m *Manager) Snapshot(taskID string) (task.Snapshot, bool) {
	t, ok := m.getTask(taskID)
	if !ok {
		return task.Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Peek reports whether a raw result already exists in the Result Cache
// for hash, without admitting anything. The Session Layer uses this to
// decide whether a chunked upload needs to request bytes at all.
func (m *Manager) Peek(ctx context.Context, hash string) (engine.RawResult, bool, error) {
	return m.cache.Get(ctx, hash)
}

// Subscribe adds sessionID as a subscriber of taskID's events.
func (m *Manager) Subscribe(taskID, sessionID string) error {
	t, ok := m.getTask(taskID)
	if !ok {
		return errkind.New(errkind.UnknownTask, taskID)
	}
	t.Subscribe(sessionID)
	return nil
}

// Unsubscribe removes sessionID from taskID's subscribers. Never affects
// processing — results still flow into the cache regardless.
func (m *Manager) Unsubscribe(taskID, sessionID string) {
	if t, ok := m.getTask(taskID); ok {
		t.Unsubscribe(sessionID)
	}
}

// Cancel transitions a Pending task to Cancelled. Permitted only for a
// current subscriber; no-op if the task is already Processing or
// terminal.
func (m *Manager) Cancel(taskID, sessionID string) (bool, error) {
	t, ok := m.getTask(taskID)
	if !ok {
		return false, errkind.New(errkind.UnknownTask, taskID)
	}
	isSubscriber := false
	for _, id := range t.Subscribers() {
		if id == sessionID {
			isSubscriber = true
			break
		}
	}
	if !isSubscriber {
		return false, errkind.New(errkind.AuthFailed, "cancel requires an active subscription")
	}
	if !t.Cancel() {
		return false, nil
	}
	atomic.AddInt64(&m.cancelledCount, 1)
	metrics.QueueDepth.WithLabelValues("pending").Dec()
	metrics.TasksCompleted.WithLabelValues(string(task.StatusCancelled)).Inc()
	m.blobs.Release(t.FileHash)
	m.events.TaskCancelled(taskID)
	return true, nil
}

// Stats reports the scheduler's current snapshot.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		MaxQueueSize:      m.cfg.MaxQueueSize,
		MaxConcurrent:     m.cfg.MaxConcurrentTasks,
		QueueSize:         len(m.queue),
		EstimatedWaitMins: m.estimatedWaitMinutes(),
	}
	for _, t := range m.tasks {
		switch t.Status() {
		case task.StatusPending:
			s.Pending++
		case task.StatusProcessing:
			s.Processing++
		}
	}
	s.Completed = int(atomic.LoadInt64(&m.completedCount))
	s.Failed = int(atomic.LoadInt64(&m.failedCount))
	s.Cancelled = int(atomic.LoadInt64(&m.cancelledCount))
	return s
}

func (m *Manager) estimatedWaitMinutes() float64 {
	avgSeconds := m.waitTimes.Average()
	depth := len(m.queue)
	if m.cfg.MaxConcurrentTasks == 0 {
		return 0
	}
	batches := float64(depth) / float64(m.cfg.MaxConcurrentTasks)
	return (avgSeconds * batches) / 60.0
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCtx.Done():
			return
		case taskID, ok := <-m.queue:
			if !ok {
				return
			}
			m.process(taskID)
		}
	}
}

func (m *Manager) process(taskID string) {
	t, ok := m.getTask(taskID)
	if !ok {
		return
	}
	if !t.Dispatch() {
		// Cancelled before dispatch; refcount already released by Cancel.
		return
	}
	metrics.QueueDepth.WithLabelValues("pending").Dec()
	metrics.QueueDepth.WithLabelValues("processing").Inc()
	m.events.TaskProgress(taskID, 0)

	start := time.Now()
	raw, err := m.eng.Transcribe(t.BlobPath, engine.Hints{}, m.cfg.TaskTimeout())
	elapsed := time.Since(start)
	metrics.TaskProcessingSeconds.Observe(elapsed.Seconds())
	metrics.QueueDepth.WithLabelValues("processing").Dec()

	if err != nil {
		m.handleFailure(t, err)
		return
	}

	m.waitTimes.Add(elapsed.Seconds())

	if err := m.cache.PutRaw(context.Background(), t.FileHash, raw); err != nil {
		m.handleFailure(t, errkind.New(errkind.Internal, err.Error()))
		return
	}

	payload, err := m.derive(context.Background(), t, raw)
	if err != nil {
		m.handleFailure(t, errkind.New(errkind.Internal, err.Error()))
		return
	}

	t.Complete(t.FileHash)
	atomic.AddInt64(&m.completedCount, 1)
	metrics.TasksCompleted.WithLabelValues(string(task.StatusCompleted)).Inc()
	m.blobs.Release(t.FileHash)
	m.events.TaskComplete(taskID, t.OutputFormat, payload)
}

func (m *Manager) handleFailure(t *task.Task, err error) {
	kind := errkind.Classify(err)
	retried := t.RetryOrFail(kind, err.Error())
	if retried {
		metrics.TaskRetries.Inc()
		metrics.QueueDepth.WithLabelValues("pending").Inc()
		m.events.TaskRetrying(t.ID, kind, err.Error())
		delay := retryDelay(t.RetryCount())
		go func() {
			time.Sleep(delay)
			select {
			case m.queue <- t.ID:
			case <-m.stopCtx.Done():
			}
		}()
		return
	}

	atomic.AddInt64(&m.failedCount, 1)
	metrics.TasksCompleted.WithLabelValues(string(task.StatusFailed)).Inc()
	m.blobs.Release(t.FileHash)
	failure := t.Failure()
	m.events.TaskFailed(t.ID, failure.Kind, failure.Message)
}

// retryDelay computes the nth exponential backoff interval the teacher's
// stack (cenkalti/backoff/v4) produces for a fresh ExponentialBackOff,
// advanced to the given retry attempt.
func retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		if next := b.NextBackOff(); next != backoff.Stop {
			d = next
		}
	}
	return d
}
