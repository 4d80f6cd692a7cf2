package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/jobctx"
)

// LocalPool runs jobs on goroutines inside the current process.
type LocalPool struct {
	run    RunFunc
	size   int
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	closed atomic.Bool
	config PoolConfig
}

// NewLocalPool creates an in-process pool executing run.
func NewLocalPool(run RunFunc, opts ...PoolOption) *LocalPool {
	cfg := defaultPoolConfig()
	for _, opt := range opts {
		opt.ApplyPool(&cfg)
	}
	return &LocalPool{
		run:    run,
		size:   cfg.Size,
		sem:    semaphore.NewWeighted(int64(cfg.Size)),
		config: cfg,
	}
}

// Submit implements Pool.
func (p *LocalPool) Submit(ctx context.Context, docID uint) <-chan core.JobResult {
	if p.closed.Load() {
		return resolved(failed(docID, core.ErrPoolClosed))
	}
	out := make(chan core.JobResult, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			out <- failed(docID, err)
			return
		}
		defer p.sem.Release(1)
		out <- p.execute(ctx, docID)
	}()
	return out
}

func (p *LocalPool) execute(ctx context.Context, docID uint) (res core.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			p.config.Logger.Error("job panicked", "doc_id", docID, "panic", r)
			res = failed(docID, fmt.Errorf("panic: %v", r))
		}
	}()
	res = p.run(jobctx.WithJob(ctx, docID, "local", p.config.Logger), docID)
	res.DocumentID = docID
	return res
}

// Size implements Pool.
func (p *LocalPool) Size() int {
	return p.size
}

// Close implements Pool.
func (p *LocalPool) Close(ctx context.Context) error {
	p.closed.Store(true)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
