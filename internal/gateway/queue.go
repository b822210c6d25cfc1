package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/selecta/internal/metrics"
	"github.com/user/selecta/internal/types"
)

// Queue manages per-session lanes with a global concurrency semaphore.
// Each session key gets its own FIFO channel (lane) so that questions from
// one chat are answered in order instead of superseding each other, while
// the semaphore limits the number of turns streaming across all sessions.
type Queue struct {
	lanes     map[types.SessionKey]chan *Run
	semaphore *semaphore.Weighted
	processor func(*Run) error
	active    atomic.Int64
	pending   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxConcurrent runs to execute
// simultaneously across all session lanes.
func NewQueue(maxConcurrent int64) *Queue {
	return &Queue{
		lanes:     make(map[types.SessionKey]chan *Run),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	for key, lane := range q.lanes {
		close(lane)
		delete(q.lanes, key)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Run to its session's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full or
// the queue has been stopped.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx == nil || q.ctx.Err() != nil {
		return ErrClosed
	}

	lane, exists := q.lanes[run.SessionKey]
	if !exists {
		lane = make(chan *Run, 100)
		q.lanes[run.SessionKey] = lane
		q.wg.Add(1)
		go q.processLane(lane)
	}

	q.pending.Add(1)
	select {
	case lane <- run:
		return nil
	default:
		q.pending.Add(-1)
		return fmt.Errorf("queue full for session %s", run.SessionKey)
	}
}

// processLane drains a single session lane, acquiring a semaphore slot
// before running the processor synchronously.
func (q *Queue) processLane(lane chan *Run) {
	defer q.wg.Done()
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				return
			}
			if q.processor != nil {
				q.process(run)
			}
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) process(run *Run) {
	q.active.Add(1)
	q.pending.Add(-1)
	metrics.RunsActive.Inc()
	defer func() {
		q.active.Add(-1)
		metrics.RunsActive.Dec()
	}()

	run.Ctx = q.ctx
	run.start()
	err := q.processor(run)
	run.finish(err)
	metrics.RunsProcessed.WithLabelValues(string(run.Status)).Inc()
	if err != nil {
		slog.Error("run failed", "run_id", string(run.ID), "session_key", string(run.SessionKey), "error", err)
		if run.OnComplete != nil {
			run.OnComplete("Sorry, something went wrong answering your question.")
		}
	}
	if run.OnDone != nil {
		run.OnDone(run)
	}
}

// WaitIdle blocks until no runs are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Pending returns the number of enqueued runs not yet being processed.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Active returns the number of runs being processed.
func (q *Queue) Active() int64 {
	return q.active.Load()
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}
