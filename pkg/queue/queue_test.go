package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/storage/storagetest"
	"github.com/jdziat/court-ocr-jobs/pkg/worker"
)

const waitFor = 5 * time.Second

// fakeJobs stands in for the document pipeline: it marks the record running,
// blocks until released, then marks it done.
type fakeJobs struct {
	store core.Storage
	gate  chan struct{}

	mu    sync.Mutex
	calls map[uint]int
}

func newFakeJobs(store core.Storage) *fakeJobs {
	return &fakeJobs{store: store, gate: make(chan struct{}), calls: make(map[uint]int)}
}

func (f *fakeJobs) run(ctx context.Context, id uint) core.JobResult {
	f.mu.Lock()
	f.calls[id]++
	f.mu.Unlock()

	_ = f.store.UpdateStatus(ctx, id, core.Stage(core.StatusRunning, "Inicjalizacja procesu OCR", 0))
	<-f.gate
	_ = f.store.UpdateStatus(ctx, id, core.Stage(core.StatusDone, "OCR zakończony", 1).WithConfidence(0.9))
	return core.JobResult{Success: true, ResultID: id + 100}
}

func (f *fakeJobs) release() { close(f.gate) }

// fakeRun wraps run for fixtures that do not need the store.
func fakeRun(run worker.RunFunc) func(core.Storage) worker.RunFunc {
	return func(core.Storage) worker.RunFunc { return run }
}

func succeed(context.Context, uint) core.JobResult { return core.JobResult{Success: true} }

func (f *fakeJobs) count(id uint) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fixture struct {
	store core.Storage
	dir   string
	queue *Queue
}

// newFixture starts a queue over a local pool of size running the job built by mk.
func newFixture(t *testing.T, size int, mk func(store core.Storage) worker.RunFunc) *fixture {
	t.Helper()
	store := storagetest.New(t)
	pool := worker.NewLocalPool(mk(store), worker.Size(size))
	q := New(pool, store, WithPollInterval(10*time.Millisecond), WithErrorBackoff(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = q.Start(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
		shutdownCtx, done := context.WithTimeout(context.Background(), waitFor)
		defer done()
		_ = q.Shutdown(shutdownCtx)
	})
	return &fixture{store: store, dir: t.TempDir(), queue: q}
}

func (f *fixture) addDoc(t *testing.T, name string) uint {
	t.Helper()
	return storagetest.AddSource(t, f.store, f.dir, storagetest.Source{Name: name, MimeType: "image/png"}).ID
}

func (f *fixture) status(t *testing.T, id uint) *core.JobState {
	t.Helper()
	st, err := f.store.GetJobStatus(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (f *fixture) waitStatus(t *testing.T, id uint, want core.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.status(t, id).Status == want
	}, waitFor, 5*time.Millisecond, "doc %d never reached %s", id, want)
}

// ─── Enqueue ──────────────────────────────────────────────────────────

func TestEnqueue_DeduplicatesInFlight(t *testing.T) {
	var jobs *fakeJobs
	f := newFixture(t, 2, func(store core.Storage) worker.RunFunc {
		jobs = newFakeJobs(store)
		return jobs.run
	})
	id := f.addDoc(t, "a.png")
	ctx := context.Background()

	accepted, err := f.queue.Enqueue(ctx, id)
	require.NoError(t, err)
	assert.True(t, accepted)

	again, err := f.queue.Enqueue(ctx, id)
	require.NoError(t, err)
	assert.False(t, again, "second enqueue of an in-flight id is dropped")
	assert.True(t, f.queue.IsInFlight(id))

	jobs.release()
	f.waitStatus(t, id, core.StatusDone)
	require.Eventually(t, func() bool { return !f.queue.IsInFlight(id) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, jobs.count(id))
}

func TestEnqueue_MarksPending(t *testing.T) {
	block := make(chan struct{})
	f := newFixture(t, 1, fakeRun(func(ctx context.Context, id uint) core.JobResult {
		<-block
		return core.JobResult{Success: true}
	}))
	defer close(block)
	id := f.addDoc(t, "a.png")

	assert.Equal(t, core.StatusNone, f.status(t, id).Status)
	_, err := f.queue.Enqueue(context.Background(), id)
	require.NoError(t, err)

	st := f.status(t, id)
	assert.Equal(t, core.StatusPending, st.Status)
	assert.Equal(t, 0.0, st.Progress)
}

func TestEnqueue_InvalidID(t *testing.T) {
	f := newFixture(t, 1, fakeRun(succeed))

	_, err := f.queue.Enqueue(context.Background(), 0)
	assert.ErrorIs(t, err, core.ErrInvalidDocumentID)
	assert.Empty(t, f.queue.InFlight())
}

func TestEnqueue_ReenqueueAfterCompletion(t *testing.T) {
	var runs atomic.Int32
	f := newFixture(t, 1, fakeRun(func(ctx context.Context, id uint) core.JobResult {
		runs.Add(1)
		return core.JobResult{Success: true}
	}))
	id := f.addDoc(t, "a.png")
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !f.queue.IsInFlight(id) }, waitFor, 5*time.Millisecond)

	accepted, err := f.queue.Enqueue(ctx, id)
	require.NoError(t, err)
	assert.True(t, accepted)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, waitFor, 5*time.Millisecond)
}

func TestRequestRun_UnknownDocument(t *testing.T) {
	f := newFixture(t, 1, fakeRun(succeed))

	_, err := f.queue.RequestRun(context.Background(), 999)
	assert.ErrorIs(t, err, core.ErrDocumentNotFound)
	assert.False(t, f.queue.IsInFlight(999))
}

func TestRequestRun_ResetsFinishedJob(t *testing.T) {
	block := make(chan struct{})
	f := newFixture(t, 1, fakeRun(func(ctx context.Context, id uint) core.JobResult {
		<-block
		return core.JobResult{Success: true}
	}))
	defer close(block)
	id := f.addDoc(t, "a.png")
	ctx := context.Background()
	require.NoError(t, f.store.UpdateStatus(ctx, id, core.Stage(core.StatusDone, "OCR zakończony", 1).WithConfidence(0.7)))

	accepted, err := f.queue.RequestRun(ctx, id)
	require.NoError(t, err)
	assert.True(t, accepted)

	st := f.status(t, id)
	assert.Equal(t, core.StatusPending, st.Status)
	assert.Equal(t, 0.0, st.Progress)
	assert.Nil(t, st.Confidence)
}

// ─── Dispatch ─────────────────────────────────────────────────────────

func TestDispatch_CapacityKeepsThirdPending(t *testing.T) {
	var jobs *fakeJobs
	f := newFixture(t, 2, func(store core.Storage) worker.RunFunc {
		jobs = newFakeJobs(store)
		return jobs.run
	})
	ctx := context.Background()

	ids := []uint{f.addDoc(t, "a.png"), f.addDoc(t, "b.png"), f.addDoc(t, "c.png")}
	for _, id := range ids[:2] {
		_, err := f.queue.Enqueue(ctx, id)
		require.NoError(t, err)
	}
	f.waitStatus(t, ids[0], core.StatusRunning)
	f.waitStatus(t, ids[1], core.StatusRunning)

	_, err := f.queue.Enqueue(ctx, ids[2])
	require.NoError(t, err)

	// Dispatch does not wait for a slot, but the job cannot start without one.
	require.Eventually(t, func() bool { return f.queue.Pending() == 0 }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, core.StatusPending, f.status(t, ids[2]).Status)
	assert.Equal(t, 0, jobs.count(ids[2]))

	jobs.release()
	for _, id := range ids {
		f.waitStatus(t, id, core.StatusDone)
	}
	assert.Equal(t, 1, jobs.count(ids[2]))
}

func TestDispatch_CrashMarksFailAndReleases(t *testing.T) {
	f := newFixture(t, 1, fakeRun(func(ctx context.Context, id uint) core.JobResult {
		panic("CUDA error: device-side assert triggered")
	}))
	id := f.addDoc(t, "a.png")

	var failedID atomic.Uint64
	f.queue.OnFail(func(ctx context.Context, docID uint, err error) {
		failedID.Store(uint64(docID))
	})

	_, err := f.queue.Enqueue(context.Background(), id)
	require.NoError(t, err)

	f.waitStatus(t, id, core.StatusFail)
	st := f.status(t, id)
	assert.Contains(t, st.Info, core.FailurePrefix)
	assert.Contains(t, st.Info, "device-side assert")
	require.Eventually(t, func() bool { return !f.queue.IsInFlight(id) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint64(id), failedID.Load())
}

func TestDispatch_KeepsFailureWrittenByPipeline(t *testing.T) {
	// The job records its own failure before returning, as the pipeline does.
	f := newFixture(t, 1, func(store core.Storage) worker.RunFunc {
		return func(ctx context.Context, id uint) core.JobResult {
			_ = store.UpdateStatus(ctx, id, core.StatusUpdate{Status: core.StatusFail, Info: "Błąd: plik źródłowy nie istnieje"})
			return core.JobResult{Error: "source file does not exist"}
		}
	})
	id := f.addDoc(t, "a.png")

	var settled atomic.Bool
	f.queue.OnFail(func(context.Context, uint, error) { settled.Store(true) })

	_, err := f.queue.Enqueue(context.Background(), id)
	require.NoError(t, err)
	require.Eventually(t, settled.Load, waitFor, 5*time.Millisecond)

	assert.Equal(t, "Błąd: plik źródłowy nie istnieje", f.status(t, id).Info)
}

func TestDispatch_CompletionHookAndEvents(t *testing.T) {
	f := newFixture(t, 1, fakeRun(func(ctx context.Context, id uint) core.JobResult {
		return core.JobResult{Success: true, ResultID: 42}
	}))
	id := f.addDoc(t, "a.png")
	events := f.queue.Events()
	defer f.queue.Unsubscribe(events)

	results := make(chan core.JobResult, 1)
	f.queue.OnComplete(func(ctx context.Context, res core.JobResult) { results <- res })

	_, err := f.queue.Enqueue(context.Background(), id)
	require.NoError(t, err)

	select {
	case res := <-results:
		assert.Equal(t, id, res.DocumentID)
		assert.Equal(t, uint(42), res.ResultID)
	case <-time.After(waitFor):
		t.Fatal("completion hook not called")
	}

	var kinds []string
	timeout := time.After(waitFor)
	for len(kinds) < 3 {
		select {
		case e := <-events:
			switch ev := e.(type) {
			case *core.JobEnqueued:
				kinds = append(kinds, "enqueued")
			case *core.JobStarted:
				kinds = append(kinds, "started")
			case *core.JobCompleted:
				assert.Equal(t, uint(42), ev.ResultID)
				kinds = append(kinds, "completed")
			}
		case <-timeout:
			t.Fatalf("events so far: %v", kinds)
		}
	}
	assert.ElementsMatch(t, []string{"enqueued", "started", "completed"}, kinds)
}

// panickyPool panics on the first submission.
type panickyPool struct {
	worker.Pool
	panicked atomic.Bool
}

func (p *panickyPool) Submit(ctx context.Context, id uint) <-chan core.JobResult {
	if p.panicked.CompareAndSwap(false, true) {
		panic("pool bookkeeping broken")
	}
	return p.Pool.Submit(ctx, id)
}

func TestStart_SurvivesPanics(t *testing.T) {
	store := storagetest.New(t)
	var runs atomic.Int32
	pool := &panickyPool{Pool: worker.NewLocalPool(func(ctx context.Context, id uint) core.JobResult {
		runs.Add(1)
		return core.JobResult{Success: true}
	}, worker.Size(1))}
	q := New(pool, store, WithPollInterval(5*time.Millisecond), WithErrorBackoff(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	dir := t.TempDir()
	first := storagetest.AddSource(t, store, dir, storagetest.Source{Name: "a.png", MimeType: "image/png"}).ID
	second := storagetest.AddSource(t, store, dir, storagetest.Source{Name: "b.png", MimeType: "image/png"}).ID

	_, err := q.Enqueue(ctx, first)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, second)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return runs.Load() == 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(q.InFlight()) == 0 }, waitFor, 5*time.Millisecond)

	st, err := store.GetJobStatus(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFail, st.Status)
	assert.Contains(t, st.Info, "pool bookkeeping broken")
}

func TestStart_RejectsSecondLoop(t *testing.T) {
	q := New(worker.NewLocalPool(nil), storagetest.New(t), WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	require.Eventually(t, q.running.Load, waitFor, time.Millisecond)
	assert.Error(t, q.Start(ctx))
}

func TestStart_ReturnsOnCancel(t *testing.T) {
	q := New(worker.NewLocalPool(nil), storagetest.New(t), WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- q.Start(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(waitFor):
		t.Fatal("Start did not return")
	}
}

// ─── Shutdown ─────────────────────────────────────────────────────────

func TestShutdown_WaitsForJobs(t *testing.T) {
	store := storagetest.New(t)
	var finished atomic.Bool
	pool := worker.NewLocalPool(func(ctx context.Context, id uint) core.JobResult {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return core.JobResult{Success: true}
	}, worker.Size(1))
	q := New(pool, store, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go q.Start(ctx)

	id := storagetest.AddSource(t, store, t.TempDir(), storagetest.Source{Name: "a.png", MimeType: "image/png"}).ID
	_, err := q.Enqueue(ctx, id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Pending() == 0 }, waitFor, time.Millisecond)
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), waitFor)
	defer done()
	require.NoError(t, q.Shutdown(shutdownCtx))
	assert.True(t, finished.Load())
	assert.Empty(t, q.InFlight())

	_, err = q.Enqueue(context.Background(), id)
	assert.ErrorIs(t, err, core.ErrPoolClosed)
}
