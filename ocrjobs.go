// Package ocrjobs runs OCR for court documents in a bounded pool of worker
// processes and tracks each document's job record.
//
// This is the main package users should import. It re-exports the public
// types of the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	store, _ := ocrjobs.Open(ctx, "court-ocr.db")
//	pool := ocrjobs.NewLocalPool(pipeline.Run)
//	q := ocrjobs.NewQueue(pool, store)
//	go q.Start(ctx)
//	defer q.Shutdown(context.Background())
//
//	q.Enqueue(ctx, docID)
//	state, _ := ocrjobs.GetJobStatus(ctx, store, docID)
package ocrjobs

import (
	"context"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/jobctx"
	"github.com/jdziat/court-ocr-jobs/pkg/queue"
	"github.com/jdziat/court-ocr-jobs/pkg/security"
	"github.com/jdziat/court-ocr-jobs/pkg/storage"
	"github.com/jdziat/court-ocr-jobs/pkg/worker"
)

// Type aliases
type (
	// Document is a stored file together with its OCR job record.
	Document = core.Document

	// JobStatus is the OCR state of a document.
	JobStatus = core.JobStatus

	// JobState is a point-in-time read of a job record.
	JobState = core.JobState

	// StatusUpdate is one write to a job record.
	StatusUpdate = core.StatusUpdate

	// JobResult is the outcome of one pipeline run.
	JobResult = core.JobResult

	// TextUpdate describes a manual OCR text write.
	TextUpdate = core.TextUpdate

	// GroupStatus aggregates the OCR state of an opinion's documents.
	GroupStatus = core.GroupStatus

	// Selection is a rectangle on one page in page-relative coordinates.
	Selection = core.Selection

	// SelectionResult is the text recognised inside a Selection.
	SelectionResult = core.SelectionResult

	// Storage defines the persistence layer for job records.
	Storage = core.Storage

	// Event is the interface for all queue events.
	Event = core.Event

	// JobEnqueued is emitted when a document is accepted.
	JobEnqueued = core.JobEnqueued

	// JobDuplicate is emitted when a document already in flight is enqueued again.
	JobDuplicate = core.JobDuplicate

	// JobStarted is emitted when a job is handed to a pool slot.
	JobStarted = core.JobStarted

	// JobCompleted is emitted when a job succeeds.
	JobCompleted = core.JobCompleted

	// JobFailed is emitted when a job fails.
	JobFailed = core.JobFailed

	// NoRetryError marks a job-level error that must not be retried.
	NoRetryError = core.NoRetryError

	// Queue accepts, deduplicates and dispatches OCR jobs.
	Queue = queue.Queue

	// QueueOption configures a Queue.
	QueueOption = queue.Option

	// Pool runs jobs with bounded concurrency.
	Pool = worker.Pool

	// PoolOption configures a Pool.
	PoolOption = worker.PoolOption

	// RunFunc executes one job.
	RunFunc = worker.RunFunc

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage

	// TextStore keeps OCR text artifacts.
	TextStore = storage.TextStore
)

// Status constants
const (
	StatusNone    = core.StatusNone
	StatusPending = core.StatusPending
	StatusRunning = core.StatusRunning
	StatusDone    = core.StatusDone
	StatusFail    = core.StatusFail
)

// Security limits
const (
	MaxErrorMessageLength = security.MaxErrorMessageLength
	MaxPoolSize           = security.MaxPoolSize
	MaxTextSize           = security.MaxTextSize
)

// Error variables
var (
	ErrDocumentNotFound  = core.ErrDocumentNotFound
	ErrInvalidDocumentID = core.ErrInvalidDocumentID
	ErrSourceMissing     = core.ErrSourceMissing
	ErrUnsupportedMedia  = core.ErrUnsupportedMedia
	ErrPageOutOfRange    = core.ErrPageOutOfRange
	ErrInvalidSelection  = core.ErrInvalidSelection
	ErrTextTooLarge      = core.ErrTextTooLarge
	ErrPoolClosed        = core.ErrPoolClosed
	ErrWorkerCrashed     = core.ErrWorkerCrashed
	ErrJobTimeout        = core.ErrJobTimeout
)

// Open connects to a SQLite path or postgres:// DSN and migrates the schema.
func Open(ctx context.Context, dsn string) (*GormStorage, error) {
	return storage.Open(ctx, dsn, storage.OpenConfig{Migrate: true})
}

// NewQueue creates a queue dispatching to pool.
func NewQueue(pool Pool, s Storage, opts ...QueueOption) *Queue {
	return queue.New(pool, s, opts...)
}

// NewLocalPool runs jobs on goroutines of the current process.
func NewLocalPool(run RunFunc, opts ...PoolOption) Pool {
	return worker.NewLocalPool(run, opts...)
}

// NewTextStore creates a text store writing into filesDir.
func NewTextStore(s Storage, filesDir string) *TextStore {
	return storage.NewTextStore(s, filesDir)
}

// DefaultPoolSize is min(2, NumCPU).
func DefaultPoolSize() int {
	return worker.DefaultSize()
}

// PoolSize sets the number of concurrent jobs of a pool.
func PoolSize(n int) PoolOption {
	return worker.Size(n)
}

// EnqueueOCR accepts a document for OCR. It reports false without error when
// the document is already queued or running.
func EnqueueOCR(ctx context.Context, q *Queue, docID uint) (bool, error) {
	return q.Enqueue(ctx, docID)
}

// GetJobStatus reads the job record of a document.
func GetJobStatus(ctx context.Context, s Storage, docID uint) (*JobState, error) {
	if err := security.ValidateDocumentID(docID); err != nil {
		return nil, err
	}
	return s.GetJobStatus(ctx, docID)
}

// GetOCRText returns the text of the document's canonical OCR result, or ""
// when it has none.
func GetOCRText(ctx context.Context, t *TextStore, docID uint) (string, error) {
	return t.Read(ctx, docID)
}

// UpdateOCRText overwrites the document's OCR text, creating a result when
// none exists.
func UpdateOCRText(ctx context.Context, t *TextStore, docID uint, text string) (*TextUpdate, error) {
	return t.Update(ctx, docID, text)
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}

// DocumentIDFromContext returns the document of the running job, or 0 outside one.
func DocumentIDFromContext(ctx context.Context) uint {
	return jobctx.DocumentIDFromContext(ctx)
}
