// Package core provides the fundamental types and interfaces for the OCR job pipeline.
//
// This package contains:
//   - Document data model with GORM annotations (source documents and OCR results)
//   - JobStatus state machine values and status update descriptors
//   - Storage interface defining the job-status repository contract
//   - Event types for queue monitoring
//   - Error types for job processing
//
// Most users should import the root package github.com/jdziat/court-ocr-jobs
// instead of this package directly.
package core
