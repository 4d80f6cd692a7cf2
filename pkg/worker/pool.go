package worker

import (
	"context"
	"runtime"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

// Pool runs OCR jobs on a bounded set of workers.
type Pool interface {
	// Submit hands a job to the pool without waiting for a free slot. The
	// returned channel yields exactly one result, whatever happens to the
	// worker.
	Submit(ctx context.Context, docID uint) <-chan core.JobResult

	// Size is the number of jobs that can run at once.
	Size() int

	// Close waits for submitted jobs, then releases the workers.
	Close(ctx context.Context) error
}

// RunFunc executes one job in-process.
type RunFunc func(ctx context.Context, docID uint) core.JobResult

// DefaultSize is min(2, NumCPU): every worker holds a model in accelerator
// memory, so more workers exhaust memory rather than add throughput.
func DefaultSize() int {
	return min(2, runtime.NumCPU())
}

func failed(docID uint, err error) core.JobResult {
	return core.JobResult{DocumentID: docID, Error: core.ErrorMessage(err)}
}

func resolved(res core.JobResult) <-chan core.JobResult {
	ch := make(chan core.JobResult, 1)
	ch <- res
	return ch
}
