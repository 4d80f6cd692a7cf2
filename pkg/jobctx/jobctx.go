// Package jobctx carries the document being processed through a job's
// context, together with a logger tagged with it.
package jobctx

import (
	"context"
	"log/slog"
)

type jobKey struct{}

// Job describes the OCR job a context belongs to.
type Job struct {
	DocumentID uint
	WorkerID   string
	Logger     *slog.Logger
}

// WithJob returns a context describing the job for docID run by workerID.
// The attached logger is derived from base (or slog.Default) with doc_id
// and worker attributes.
func WithJob(ctx context.Context, docID uint, workerID string, base *slog.Logger) context.Context {
	if base == nil {
		base = slog.Default()
	}
	job := &Job{DocumentID: docID, WorkerID: workerID, Logger: base.With("doc_id", docID)}
	if workerID != "" {
		job.Logger = job.Logger.With("worker", workerID)
	}
	return context.WithValue(ctx, jobKey{}, job)
}

// FromContext returns the job of ctx, or nil outside a job.
func FromContext(ctx context.Context) *Job {
	job, _ := ctx.Value(jobKey{}).(*Job)
	return job
}

// DocumentIDFromContext returns the document being processed, or 0 outside a job.
func DocumentIDFromContext(ctx context.Context) uint {
	if job := FromContext(ctx); job != nil {
		return job.DocumentID
	}
	return 0
}

// WorkerIDFromContext returns the worker id, or "" outside a job.
func WorkerIDFromContext(ctx context.Context) string {
	if job := FromContext(ctx); job != nil {
		return job.WorkerID
	}
	return ""
}

// Logger returns the job logger, or fallback when ctx carries no job.
// A nil fallback means slog.Default.
func Logger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if job := FromContext(ctx); job != nil && job.Logger != nil {
		return job.Logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}
