package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isdmx/playground/metrics"
	"github.com/isdmx/playground/sandbox"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrOverloaded is returned by Submit when every slot is busy and the queue is full
	ErrOverloaded = errors.New("execution queue is full")
	// ErrClosed is returned for requests submitted to, or still queued in, a closed Scheduler
	ErrClosed = errors.New("scheduler is closed")
)

// Scheduler admits execution requests, runs at most MaxConcurrency of them at a
// time and keeps at most QueueCapacity waiting in FIFO order.
//
// All slot and queue accounting happens under one mutex. A finishing run hands
// its slot straight to the head of the queue, so a slot is never free while a
// request is waiting and a late Submit cannot overtake queued requests.
type Scheduler struct {
	logger   *zap.Logger
	executor sandbox.SandboxExecutor
	metrics  *metrics.Metrics

	maxConcurrency int
	queueCapacity  int
	slots          *semaphore.Weighted

	mu      sync.Mutex
	queue   *list.List // of *Handle, oldest first
	running int
	closed  bool
	wg      sync.WaitGroup
}

// Option defines a functional option for Scheduler
type Option func(*Scheduler)

// WithMetrics records queue and execution metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// New creates a Scheduler. maxConcurrency must be positive; a zero queueCapacity
// rejects everything that cannot start immediately.
func New(logger *zap.Logger, executor sandbox.SandboxExecutor, maxConcurrency, queueCapacity int, opts ...Option) (*Scheduler, error) {
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("max concurrency must be positive, got: %d", maxConcurrency)
	}
	if queueCapacity < 0 {
		return nil, fmt.Errorf("queue capacity must not be negative, got: %d", queueCapacity)
	}

	s := &Scheduler{
		logger:         logger,
		executor:       executor,
		maxConcurrency: maxConcurrency,
		queueCapacity:  queueCapacity,
		slots:          semaphore.NewWeighted(int64(maxConcurrency)),
		queue:          list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Stats is a snapshot of the scheduler's occupancy
type Stats struct {
	Running        int  `json:"running"`
	Queued         int  `json:"queued"`
	MaxConcurrency int  `json:"maxConcurrency"`
	QueueCapacity  int  `json:"queueCapacity"`
	Closed         bool `json:"closed"`
}

// Stats returns the current occupancy
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Running:        s.running,
		Queued:         s.queue.Len(),
		MaxConcurrency: s.maxConcurrency,
		QueueCapacity:  s.queueCapacity,
		Closed:         s.closed,
	}
}

// Submit validates req and admits it. It never blocks on a slot: the request is
// dispatched at once, queued, or rejected with ErrOverloaded. Cancelling ctx
// cancels the execution, whether it is still queued or already running.
func (s *Scheduler) Submit(ctx context.Context, req sandbox.ExecutionRequest) (*Handle, error) {
	if err := s.executor.Validate(req); err != nil {
		return nil, err
	}
	// Language names are case-insensitive; keep metric labels bounded
	req.Language = strings.ToLower(req.Language)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	h := &Handle{
		Request: req,
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		cancel(ErrClosed)
		s.metrics.Rejected(metrics.RejectClosed)
		return nil, ErrClosed
	case s.slots.TryAcquire(1):
		s.dispatchLocked(h)
	case s.queue.Len() < s.queueCapacity:
		h.elem = s.queue.PushBack(h)
		h.stopWatch = context.AfterFunc(runCtx, func() { s.abandon(h) })
		s.publishLocked()
		s.logger.Debug("request queued", zap.String("request_id", req.ID), zap.Int("position", s.queue.Len()))
	default:
		cancel(ErrOverloaded)
		s.metrics.Rejected(metrics.RejectOverloaded)
		s.logger.Warn("request rejected, queue full",
			zap.String("request_id", req.ID),
			zap.Int("running", s.running),
			zap.Int("queued", s.queue.Len()))
		return nil, ErrOverloaded
	}
	return h, nil
}

// dispatchLocked starts h on a slot the caller already holds
func (s *Scheduler) dispatchLocked(h *Handle) {
	if h.stopWatch != nil {
		h.stopWatch()
	}
	h.elem = nil
	s.running++
	s.wg.Add(1)
	s.publishLocked()
	s.metrics.ObserveQueueWait(time.Since(h.Request.SubmittedAt))
	go s.run(h)
}

func (s *Scheduler) run(h *Handle) {
	defer s.wg.Done()

	res := s.execute(h)
	s.release()
	s.metrics.ObserveExecution(h.Request.Language, string(res.Status), res.Duration, res.Truncated())
	h.finish(res, nil)
}

// execute runs the request and turns a panic into an internal error result
func (s *Scheduler) execute(h *Handle) (res sandbox.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("executor panicked",
				zap.String("request_id", h.Request.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res = sandbox.ExecutionResult{
				RequestID: h.Request.ID,
				Status:    sandbox.StatusInternalError,
				ExitCode:  -1,
				Cause:     fmt.Errorf("executor panic: %v", r),
			}
		}
	}()
	return s.executor.Execute(h.ctx, h.Request)
}

// release returns a slot, handing it to the oldest queued request if there is one
func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running--
	if front := s.queue.Front(); front != nil {
		h := s.queue.Remove(front).(*Handle)
		s.dispatchLocked(h)
		return
	}
	s.slots.Release(1)
	s.publishLocked()
}

// abandon drops h from the queue after its context ended. A request that was
// already dispatched is left alone; the runner sees the same context.
func (s *Scheduler) abandon(h *Handle) {
	s.mu.Lock()
	if h.elem == nil {
		s.mu.Unlock()
		return
	}
	s.queue.Remove(h.elem)
	h.elem = nil
	s.publishLocked()
	s.mu.Unlock()

	err := context.Cause(h.ctx)
	s.logger.Debug("queued request cancelled", zap.String("request_id", h.Request.ID), zap.Error(err))
	h.finish(sandbox.ExecutionResult{}, err)
}

func (s *Scheduler) publishLocked() {
	s.metrics.SetOccupancy(s.queue.Len(), s.running)
}

// Close stops admitting requests and fails everything still queued with
// ErrClosed. Running executions continue; Close waits for them until ctx ends.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var queued []*Handle
	for e := s.queue.Front(); e != nil; e = s.queue.Front() {
		h := s.queue.Remove(e).(*Handle)
		h.elem = nil
		queued = append(queued, h)
	}
	s.publishLocked()
	s.mu.Unlock()

	for _, h := range queued {
		h.stopWatch()
		h.cancel(ErrClosed)
		h.finish(sandbox.ExecutionResult{}, ErrClosed)
	}
	if len(queued) > 0 {
		s.logger.Info("dropped queued requests on close", zap.Int("count", len(queued)))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running executions: %w", ctx.Err())
	}
}
