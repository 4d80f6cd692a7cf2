// Package storage provides storage implementations for the OCR pipeline.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/security"
)

// QueuedInfo is the progress text of a job waiting for a worker.
const QueuedInfo = "Oczekuje w kolejce"

// GormStorage implements Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying GORM handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage runs on SQLite.
func (s *GormStorage) IsSQLite() bool {
	return s.db != nil && s.db.Dialector != nil && s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Document{})
}

// CreateDocument inserts a source document.
func (s *GormStorage) CreateDocument(ctx context.Context, doc *core.Document) error {
	if doc.OCRStatus == "" {
		doc.OCRStatus = core.StatusNone
	}
	if doc.UploadTime.IsZero() {
		doc.UploadTime = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(doc).Error
}

// GetDocument retrieves a document by ID.
func (s *GormStorage) GetDocument(ctx context.Context, id uint) (*core.Document, error) {
	var doc core.Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id=%d", core.ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetJobStatus returns the job record of a document.
// It reads a single row and never waits on a running job.
func (s *GormStorage) GetJobStatus(ctx context.Context, id uint) (*core.JobState, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.State(), nil
}

// UpdateStatus applies one status write to the job record.
// Progress text is sanitized before storage. While a job runs its progress
// never moves back; a running write of 0 starts a new run and resets it.
func (s *GormStorage) UpdateStatus(ctx context.Context, id uint, update core.StatusUpdate) error {
	updates := map[string]any{
		"ocr_status":        update.Status,
		"ocr_progress_info": security.SanitizeErrorMessage(update.Info),
		"ocr_updated_at":    time.Now().UTC(),
	}
	if update.Progress != nil {
		updates["ocr_progress"] = s.progressValue(update.Status, *update.Progress)
	}
	if update.CurrentPage != nil {
		updates["ocr_current_page"] = *update.CurrentPage
	}
	if update.TotalPages != nil {
		updates["ocr_total_pages"] = *update.TotalPages
	}
	if update.Confidence != nil {
		updates["ocr_confidence"] = *update.Confidence
	}

	result := s.db.WithContext(ctx).
		Model(&core.Document{}).
		Where("id = ?", id).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: id=%d", core.ErrDocumentNotFound, id)
	}
	return nil
}

// progressValue keeps a running job's progress from decreasing.
func (s *GormStorage) progressValue(status core.JobStatus, p float64) any {
	if status != core.StatusRunning || p <= 0 {
		return p
	}
	if s.IsSQLite() {
		return gorm.Expr("MAX(COALESCE(ocr_progress, 0), ?)", p)
	}
	return gorm.Expr("GREATEST(COALESCE(ocr_progress, 0), ?)", p)
}

// ResetPending puts a document back in the queue state for a new run.
func (s *GormStorage) ResetPending(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).
		Model(&core.Document{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"ocr_status":        core.StatusPending,
			"ocr_progress":      0.0,
			"ocr_progress_info": QueuedInfo,
			"ocr_current_page":  0,
			"ocr_total_pages":   0,
			"ocr_confidence":    nil,
			"ocr_updated_at":    time.Now().UTC(),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: id=%d", core.ErrDocumentNotFound, id)
	}
	return nil
}

// MarkManualDone marks a document that never ran OCR as done with the given confidence.
// Documents in any other state are left alone. Reports whether the row changed.
func (s *GormStorage) MarkManualDone(ctx context.Context, id uint, confidence float64) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Document{}).
		Where("id = ?", id).
		Where("(ocr_status = ? OR ocr_status = '' OR ocr_status IS NULL)", core.StatusNone).
		Updates(map[string]any{
			"ocr_status":     core.StatusDone,
			"ocr_confidence": confidence,
			"ocr_updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CreateResult inserts an OCR result document.
func (s *GormStorage) CreateResult(ctx context.Context, result *core.Document) error {
	if result.OCRParentID == nil {
		return errors.New("ocr: result document without source reference")
	}
	now := time.Now().UTC()
	result.DocType = core.DocTypeOCRText
	result.MimeType = core.MimeText
	result.ContentType = core.ContentDocument
	result.OCRStatus = core.StatusDone
	result.IsMain = false
	if result.UploadTime.IsZero() {
		result.UploadTime = now
	}
	if result.LastModified == nil {
		result.LastModified = &now
	}
	return s.db.WithContext(ctx).Create(result).Error
}

// LatestResult returns the canonical OCR result of a source document,
// the most recently created one. Returns nil when none exists.
func (s *GormStorage) LatestResult(ctx context.Context, sourceID uint) (*core.Document, error) {
	var doc core.Document
	err := s.db.WithContext(ctx).
		Where("ocr_parent_id = ? AND doc_type = ?", sourceID, core.DocTypeOCRText).
		Order("upload_time DESC, id DESC").
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// CountResults returns how many OCR results reference the source document.
func (s *GormStorage) CountResults(ctx context.Context, sourceID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.Document{}).
		Where("ocr_parent_id = ? AND doc_type = ?", sourceID, core.DocTypeOCRText).
		Count(&count).Error
	return count, err
}

// TouchResult refreshes the modification time of a result document.
func (s *GormStorage) TouchResult(ctx context.Context, resultID uint, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&core.Document{}).
		Where("id = ? AND doc_type = ?", resultID, core.DocTypeOCRText).
		Update("last_modified", at.UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: result id=%d", core.ErrDocumentNotFound, resultID)
	}
	return nil
}

// FindStale returns queued or running documents whose job record was not
// written since olderThan.
func (s *GormStorage) FindStale(ctx context.Context, olderThan time.Time, limit int) ([]*core.Document, error) {
	var docs []*core.Document
	err := s.db.WithContext(ctx).
		Where("ocr_status IN ?", []core.JobStatus{core.StatusPending, core.StatusRunning}).
		Where("doc_type <> ?", core.DocTypeOCRText).
		Where("(ocr_updated_at IS NULL OR ocr_updated_at < ?)", olderThan.UTC()).
		Order("id ASC").
		Limit(limit).
		Find(&docs).Error
	return docs, err
}

// GetGroupStatus aggregates the OCR state of the documents attached to a main document.
// OCR results are not counted.
func (s *GormStorage) GetGroupStatus(ctx context.Context, parentID uint) (*core.GroupStatus, error) {
	parent, err := s.GetDocument(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsMain {
		return nil, fmt.Errorf("%w: id=%d is not a main document", core.ErrDocumentNotFound, parentID)
	}

	var children []core.Document
	err = s.db.WithContext(ctx).
		Select("id", "ocr_status", "ocr_progress").
		Where("parent_id = ? AND doc_type <> ?", parentID, core.DocTypeOCRText).
		Find(&children).Error
	if err != nil {
		return nil, err
	}

	status := &core.GroupStatus{TotalDocs: len(children)}
	if len(children) == 0 {
		status.Done = true
		status.ProgressOverall = 1.0
		return status, nil
	}

	var overall float64
	for _, c := range children {
		switch c.OCRStatus {
		case core.StatusDone:
			status.CompletedDocs++
			overall += 1.0
		case core.StatusPending, core.StatusRunning:
			status.PendingDocs++
			overall += c.OCRProgress
		case core.StatusFail:
			status.FailedDocs++
		}
	}
	status.ProgressOverall = overall / float64(len(children))
	status.Done = status.PendingDocs == 0 && status.CompletedDocs > 0
	return status, nil
}
