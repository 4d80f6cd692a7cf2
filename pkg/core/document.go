// Package core provides the domain models and interfaces for the OCR job pipeline.
package core

import (
	"path/filepath"
	"strings"
	"time"
)

// JobStatus represents the OCR state of a document.
type JobStatus string

const (
	StatusNone    JobStatus = "none"
	StatusPending JobStatus = "pending"
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusFail    JobStatus = "fail"
)

// Active reports whether the status belongs to a queued or executing job.
func (s JobStatus) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether the status ends a run.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFail
}

// Document types and media values written by the pipeline.
const (
	DocTypeOCRText  = "OCR TXT"
	MimePDF         = "application/pdf"
	MimeText        = "text/plain"
	ContentImage    = "image"
	ContentDocument = "document"

	// ManualConfidence is recorded for text entered by hand instead of recognised.
	ManualConfidence = 0.8
)

// Document is a stored file together with its OCR job record.
// OCR results are documents too: DocType is DocTypeOCRText and OCRParentID
// points back at the source.
type Document struct {
	ID               uint       `gorm:"primaryKey"`
	ParentID         *uint      `gorm:"index"`
	IsMain           bool       `gorm:"default:false"`
	Sygnatura        string     `gorm:"index;size:255"`
	DocType          string     `gorm:"index;size:64"`
	Step             string     `gorm:"size:64"`
	OriginalFilename string     `gorm:"size:512"`
	StoredFilename   string     `gorm:"size:512;not null"`
	MimeType         string     `gorm:"size:255"`
	ContentType      string     `gorm:"size:64"`
	UploadTime       time.Time  `gorm:"index"`
	LastModified     *time.Time `gorm:"index"`

	// Job record
	OCRStatus       JobStatus  `gorm:"column:ocr_status;index;size:20;default:'none'"`
	OCRProgress     float64    `gorm:"column:ocr_progress;default:0"`
	OCRProgressInfo string     `gorm:"column:ocr_progress_info;type:text"`
	OCRCurrentPage  int        `gorm:"column:ocr_current_page;default:0"`
	OCRTotalPages   int        `gorm:"column:ocr_total_pages;default:0"`
	OCRConfidence   *float64   `gorm:"column:ocr_confidence"`
	OCRUpdatedAt    *time.Time `gorm:"column:ocr_updated_at;index"`

	// Result back-reference
	OCRParentID *uint `gorm:"column:ocr_parent_id;index"`
}

// IsImage reports whether the document is a single raster image.
// Stored metadata decides, not the file extension.
func (d *Document) IsImage() bool {
	return d.ContentType == ContentImage || strings.HasPrefix(d.MimeType, "image/")
}

// IsPDF reports whether the document declares a PDF mime type.
func (d *Document) IsPDF() bool {
	return d.MimeType == MimePDF
}

// IsOCRResult reports whether the document is a text artifact produced by OCR.
func (d *Document) IsOCRResult() bool {
	return d.DocType == DocTypeOCRText
}

// Stem returns the original file name without its extension.
func (d *Document) Stem() string {
	name := filepath.Base(d.OriginalFilename)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// State returns the point-in-time job record of the document.
func (d *Document) State() *JobState {
	status := d.OCRStatus
	if status == "" {
		status = StatusNone
	}
	return &JobState{
		Status:      status,
		Progress:    d.OCRProgress,
		Info:        d.OCRProgressInfo,
		CurrentPage: d.OCRCurrentPage,
		TotalPages:  d.OCRTotalPages,
		Confidence:  d.OCRConfidence,
	}
}

// JobState is the externally visible job record.
type JobState struct {
	Status      JobStatus `json:"status"`
	Progress    float64   `json:"progress"`
	Info        string    `json:"info"`
	CurrentPage int       `json:"current_page"`
	TotalPages  int       `json:"total_pages"`
	Confidence  *float64  `json:"confidence"`
}

// StatusUpdate describes one write to a job record.
// Nil fields are left untouched.
type StatusUpdate struct {
	Status      JobStatus
	Info        string
	Progress    *float64
	CurrentPage *int
	TotalPages  *int
	Confidence  *float64
}

// Stage builds an update that sets status, info and progress.
func Stage(status JobStatus, info string, progress float64) StatusUpdate {
	return StatusUpdate{Status: status, Info: info, Progress: &progress}
}

// Pages returns a copy of u that also records page counters.
func (u StatusUpdate) Pages(current, total int) StatusUpdate {
	u.CurrentPage = &current
	u.TotalPages = &total
	return u
}

// WithConfidence returns a copy of u that also records the confidence.
func (u StatusUpdate) WithConfidence(c float64) StatusUpdate {
	u.Confidence = &c
	return u
}

// JobResult is the structured outcome of one job crossing the worker boundary.
type JobResult struct {
	Success    bool   `json:"success"`
	DocumentID uint   `json:"doc_id"`
	ResultID   uint   `json:"result_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TextAction tells whether a manual text update created or refreshed a result.
type TextAction string

const (
	TextCreated TextAction = "created"
	TextUpdated TextAction = "updated"
)

// TextUpdate is returned by a manual OCR text write.
type TextUpdate struct {
	Action   TextAction `json:"action"`
	ResultID uint       `json:"result_id"`
}

// GroupStatus aggregates the OCR state of all documents attached to a main document.
type GroupStatus struct {
	Done            bool    `json:"ocr_done"`
	TotalDocs       int     `json:"total_docs"`
	CompletedDocs   int     `json:"completed_docs"`
	PendingDocs     int     `json:"pending_docs"`
	FailedDocs      int     `json:"failed_docs"`
	ProgressOverall float64 `json:"progress_overall"`
}

// Selection is a region of one page in coordinates normalised to [0, 1].
// Page is 1-based; images have a single page.
type Selection struct {
	Page int     `json:"page"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
}

// FullPage reports whether the selection covers the whole page within a 1% tolerance.
func (s Selection) FullPage() bool {
	const eps = 0.01
	return abs(s.X1) < eps && abs(s.Y1) < eps && abs(s.X2-1) < eps && abs(s.Y2-1) < eps
}

// SelectionResult is the text recognised inside a selection.
type SelectionResult struct {
	Text       string `json:"text"`
	Page       int    `json:"page"`
	TotalPages int    `json:"total_pages"`
	FullPage   bool   `json:"is_full_page,omitempty"`

	// Error carries the recognition failure when Text is the fallback message.
	Error string `json:"error_fragment_ocr,omitempty"`
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
