// Package storage provides storage implementations for documents, job records
// and OCR text artifacts.
//
// This package includes:
//   - GormStorage: a GORM-based job-status repository (SQLite or PostgreSQL)
//   - Open: DSN-driven connection with pool limits per process role and dialect
//   - TextStore: plain-text result files plus their result document rows
//
// The Storage interface is defined in pkg/core and must be implemented
// by any custom storage backend.
//
// The root package github.com/jdziat/court-ocr-jobs wraps Open as ocrjobs.Open.
package storage
