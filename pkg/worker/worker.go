package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/jobctx"
)

// Runtime is the per-process state a worker builds once at startup.
type Runtime struct {
	Run RunFunc

	// Poisoned reports that the process should exit after the current job.
	Poisoned func() bool

	// Close releases the engine and storage.
	Close func() error

	// Placement describes where the engine was loaded, for logs.
	Placement string
}

// InitFunc builds the worker runtime. It runs once per process.
type InitFunc func(ctx context.Context) (*Runtime, error)

// Serve runs the worker side of the pool protocol: it initialises the
// runtime, announces readiness on out, then executes one job per request
// read from in until in is closed, ctx ends or the runtime is poisoned.
func Serve(ctx context.Context, in io.Reader, out io.Writer, init InitFunc, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	workerID := uuid.New().String()
	logger = logger.With("worker", workerID)
	enc := json.NewEncoder(out)

	rt, err := initRuntime(ctx, init)
	if err != nil {
		logger.Error("worker initialisation failed", "error", err)
		_ = enc.Encode(Message{Type: MsgError, WorkerID: workerID, Error: err.Error()})
		return err
	}
	defer func() {
		if rt.Close != nil {
			if err := rt.Close(); err != nil {
				logger.Warn("closing worker runtime failed", "error", err)
			}
		}
	}()

	if err := enc.Encode(Message{Type: MsgReady, WorkerID: workerID, Placement: rt.Placement}); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}
	logger.Info("worker ready", "placement", rt.Placement)

	dec := json.NewDecoder(in)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("worker input closed, exiting")
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		jobCtx := jobctx.WithJob(ctx, req.DocumentID, workerID, logger)
		res := executeJob(jobCtx, rt.Run, req.DocumentID)

		exit := rt.Poisoned != nil && rt.Poisoned()
		if err := enc.Encode(Message{Type: MsgResult, WorkerID: workerID, Result: &res, Exit: exit}); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		if exit {
			logger.Warn("OCR engine poisoned by an abandoned call, exiting for respawn")
			return nil
		}
	}
}

func initRuntime(ctx context.Context, init InitFunc) (rt *Runtime, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	rt, err = init(ctx)
	if err == nil && (rt == nil || rt.Run == nil) {
		err = errors.New("worker runtime without run function")
	}
	return rt, err
}

// executeJob runs one job and converts panics into a failed result.
func executeJob(ctx context.Context, run RunFunc, docID uint) (res core.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			jobctx.Logger(ctx, nil).Error("job panicked", "panic", r)
			res = failed(docID, fmt.Errorf("panic: %v", r))
		}
	}()
	res = run(ctx, docID)
	res.DocumentID = docID
	return res
}
