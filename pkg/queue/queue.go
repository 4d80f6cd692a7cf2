package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/security"
	"github.com/jdziat/court-ocr-jobs/pkg/worker"
)

// Queue accepts document ids, deduplicates them against the in-flight set and
// dispatches them to a worker pool.
type Queue struct {
	pool    worker.Pool
	storage core.Storage
	config  *Options

	// pending holds accepted ids in arrival order; wake signals a push.
	pending []uint
	wake    chan struct{}

	// inFlight holds every id accepted and not yet settled by its watcher.
	inFlight map[uint]struct{}
	mu       sync.RWMutex

	// Hooks
	onComplete []func(context.Context, core.JobResult)
	onFail     []func(context.Context, uint, error)

	eventSubs []chan core.Event

	watchers sync.WaitGroup
	running  atomic.Bool
	closed   atomic.Bool
}

// New creates a queue dispatching to pool and settling job records in s.
func New(pool worker.Pool, s core.Storage, opts ...Option) *Queue {
	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}
	return &Queue{
		pool:     pool,
		storage:  s,
		config:   options,
		wake:     make(chan struct{}, 1),
		inFlight: make(map[uint]struct{}),
	}
}

// Storage returns the underlying storage.
func (q *Queue) Storage() core.Storage {
	return q.storage
}

// Enqueue accepts a document id unless it is already in flight, in which case
// it returns false without doing anything else. An accepted id has its job
// record reset to pending. A failing reset is logged and does not reject the
// job.
func (q *Queue) Enqueue(ctx context.Context, docID uint) (bool, error) {
	if err := security.ValidateDocumentID(docID); err != nil {
		return false, err
	}
	if q.closed.Load() {
		return false, core.ErrPoolClosed
	}

	q.mu.Lock()
	if _, ok := q.inFlight[docID]; ok {
		q.mu.Unlock()
		q.config.Logger.Debug("document already in flight", "queue", Name, "doc_id", docID)
		q.Emit(&core.JobDuplicate{DocumentID: docID, Timestamp: time.Now()})
		return false, nil
	}
	q.inFlight[docID] = struct{}{}
	q.mu.Unlock()

	if err := q.storage.ResetPending(ctx, docID); err != nil {
		q.config.Logger.Warn("marking job pending failed", "queue", Name, "doc_id", docID, "error", err)
	}

	q.mu.Lock()
	q.pending = append(q.pending, docID)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.config.Logger.Info("job enqueued", "queue", Name, "doc_id", docID)
	q.Emit(&core.JobEnqueued{DocumentID: docID, Timestamp: time.Now()})

	// Let the dispatch loop run before the caller continues.
	runtime.Gosched()
	return true, nil
}

// RequestRun re-runs OCR for an existing document: the record goes back to
// pending and the id is enqueued.
func (q *Queue) RequestRun(ctx context.Context, docID uint) (bool, error) {
	if err := security.ValidateDocumentID(docID); err != nil {
		return false, err
	}
	if _, err := q.storage.GetDocument(ctx, docID); err != nil {
		return false, err
	}
	return q.Enqueue(ctx, docID)
}

// IsInFlight reports whether docID is queued or executing.
func (q *Queue) IsInFlight(docID uint) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.inFlight[docID]
	return ok
}

// InFlight returns the in-flight ids in ascending order.
func (q *Queue) InFlight() []uint {
	q.mu.RLock()
	ids := make([]uint, 0, len(q.inFlight))
	for id := range q.inFlight {
		ids = append(ids, id)
	}
	q.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Pending returns the number of ids waiting for dispatch.
func (q *Queue) Pending() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.pending)
}

// Start runs the dispatch loop until ctx is cancelled. Unexpected errors are
// logged and the loop resumes after a short pause.
func (q *Queue) Start(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return errors.New("queue: dispatch loop already running")
	}
	defer q.running.Store(false)

	q.config.Logger.Info("dispatch loop started", "queue", Name, "pool_size", q.pool.Size())
	for {
		if err := q.dispatchOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			q.config.Logger.Error("dispatch loop error", "queue", Name, "error", err)
			select {
			case <-time.After(q.config.ErrorBackoff):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	q.config.Logger.Info("dispatch loop stopped", "queue", Name)
	return ctx.Err()
}

// dispatchOnce pops at most one id and submits it without waiting for the job.
// An id popped before a panic is settled as failed so it does not stay in
// flight forever.
func (q *Queue) dispatchOnce(ctx context.Context) (err error) {
	var (
		docID    uint
		watching bool
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			if docID != 0 && !watching {
				q.settle(context.WithoutCancel(ctx), core.JobResult{DocumentID: docID, Error: err.Error()}, 0)
				q.release(docID)
			}
		}
	}()

	id, ok := q.pop(ctx)
	if !ok {
		return nil
	}
	docID = id

	started := time.Now()
	// Submitted jobs outlive the loop; Shutdown waits for them.
	results := q.pool.Submit(context.WithoutCancel(ctx), docID)
	q.Emit(&core.JobStarted{DocumentID: docID, Timestamp: started})

	q.watchers.Add(1)
	watching = true
	go q.watch(context.WithoutCancel(ctx), docID, results, started)
	return nil
}

// pop removes the oldest pending id, waiting at most PollInterval for one.
func (q *Queue) pop(ctx context.Context) (uint, bool) {
	if id, ok := q.shift(); ok {
		return id, true
	}

	timer := time.NewTimer(q.config.PollInterval)
	defer timer.Stop()
	select {
	case <-q.wake:
		return q.shift()
	case <-timer.C:
		return q.shift()
	case <-ctx.Done():
		return 0, false
	}
}

func (q *Queue) shift() (uint, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return 0, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	return id, true
}

// watch awaits one job result and settles it. The id always leaves the
// in-flight set, whatever the outcome.
func (q *Queue) watch(ctx context.Context, docID uint, results <-chan core.JobResult, started time.Time) {
	defer q.watchers.Done()
	defer q.release(docID)
	defer func() {
		if r := recover(); r != nil {
			q.config.Logger.Error("completion watcher panicked", "queue", Name, "doc_id", docID, "panic", r)
		}
	}()

	res := <-results
	res.DocumentID = docID
	q.settle(ctx, res, time.Since(started))
}

func (q *Queue) settle(ctx context.Context, res core.JobResult, took time.Duration) {
	logger := q.config.Logger.With("queue", Name, "doc_id", res.DocumentID)

	if res.Success {
		logger.Info("job completed", "result_id", res.ResultID, "duration", took)
		q.Emit(&core.JobCompleted{DocumentID: res.DocumentID, ResultID: res.ResultID, Duration: took, Timestamp: time.Now()})
		q.callCompleteHooks(ctx, res)
		return
	}

	jobErr := errors.New(res.Error)
	logger.Error("job failed", "error", res.Error, "duration", took)
	q.markFailed(ctx, res)
	q.Emit(&core.JobFailed{DocumentID: res.DocumentID, Error: jobErr, Timestamp: time.Now()})
	q.callFailHooks(ctx, res.DocumentID, jobErr)
}

// markFailed records a failure the worker could not write itself, for
// example after a crash or a watchdog kill. Records the pipeline already
// settled are left alone.
func (q *Queue) markFailed(ctx context.Context, res core.JobResult) {
	state, err := q.storage.GetJobStatus(ctx, res.DocumentID)
	if err != nil {
		q.config.Logger.Error("reading failed job record", "queue", Name, "doc_id", res.DocumentID, "error", err)
		return
	}
	if !state.Status.Active() {
		return
	}
	update := core.StatusUpdate{Status: core.StatusFail, Info: core.FailureInfo(res.Error)}
	if err := q.storage.UpdateStatus(ctx, res.DocumentID, update); err != nil {
		q.config.Logger.Error("marking job failed", "queue", Name, "doc_id", res.DocumentID, "error", err)
	}
}

func (q *Queue) release(docID uint) {
	q.mu.Lock()
	delete(q.inFlight, docID)
	q.mu.Unlock()
}

// Shutdown stops accepting ids, waits for submitted jobs and releases the
// pool. Call it after the dispatch loop's context is cancelled and before the
// process exits.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.closed.Store(true)

	poolErr := q.pool.Close(ctx)

	done := make(chan struct{})
	go func() {
		q.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(poolErr, ctx.Err())
	}

	q.mu.RLock()
	left := len(q.pending)
	q.mu.RUnlock()
	if left > 0 {
		q.config.Logger.Warn("queue shut down with undispatched jobs", "queue", Name, "count", left)
	}
	return poolErr
}

// OnComplete registers a callback for successful jobs.
func (q *Queue) OnComplete(fn func(context.Context, core.JobResult)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnFail registers a callback for failed jobs.
func (q *Queue) OnFail(fn func(context.Context, uint, error)) {
	q.mu.Lock()
	q.onFail = append(q.onFail, fn)
	q.mu.Unlock()
}

func (q *Queue) callCompleteHooks(ctx context.Context, res core.JobResult) {
	q.mu.RLock()
	hooks := make([]func(context.Context, core.JobResult), len(q.onComplete))
	copy(hooks, q.onComplete)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, res)
	}
}

func (q *Queue) callFailHooks(ctx context.Context, docID uint, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, uint, error), len(q.onFail))
	copy(hooks, q.onFail)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, docID, err)
	}
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, q.config.EventBuffer)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers. Full subscribers miss the event.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}
