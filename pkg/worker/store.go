package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

// RetryingStorage retries idempotent job-status operations with backoff.
// Worker processes share one database with the server and with each other,
// so a write can meet a held lock. Result inserts are not retried.
type RetryingStorage struct {
	core.Storage
	backoff Backoff
	logger  *slog.Logger
}

// NewRetryingStorage wraps inner. A backoff without attempts means
// DefaultBackoff.
func NewRetryingStorage(inner core.Storage, backoff Backoff, logger *slog.Logger) *RetryingStorage {
	if backoff.Attempts <= 0 {
		backoff = DefaultBackoff()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingStorage{Storage: inner, backoff: backoff, logger: logger}
}

// UpdateStatus retries the status write.
func (s *RetryingStorage) UpdateStatus(ctx context.Context, id uint, update core.StatusUpdate) error {
	err := s.backoff.Do(ctx, func() error {
		return s.Storage.UpdateStatus(ctx, id, update)
	})
	if err != nil {
		s.logger.Error("status update failed after retries", "doc_id", id, "status", update.Status, "error", err)
	}
	return err
}

// GetDocument retries the document read.
func (s *RetryingStorage) GetDocument(ctx context.Context, id uint) (*core.Document, error) {
	var doc *core.Document
	err := s.backoff.Do(ctx, func() error {
		var err error
		doc, err = s.Storage.GetDocument(ctx, id)
		return err
	})
	return doc, err
}

// LatestResult retries the canonical result lookup.
func (s *RetryingStorage) LatestResult(ctx context.Context, sourceID uint) (*core.Document, error) {
	var doc *core.Document
	err := s.backoff.Do(ctx, func() error {
		var err error
		doc, err = s.Storage.LatestResult(ctx, sourceID)
		return err
	})
	return doc, err
}

// TouchResult retries the modification time refresh.
func (s *RetryingStorage) TouchResult(ctx context.Context, resultID uint, at time.Time) error {
	return s.backoff.Do(ctx, func() error {
		return s.Storage.TouchResult(ctx, resultID, at)
	})
}
