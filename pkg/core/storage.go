package core

import (
	"context"
	"time"
)

// Starter is the interface for long-running loops.
type Starter interface {
	Start(ctx context.Context) error
}

// Storage defines the persistence layer for documents and their job records.
// Every write touches a single row keyed by document id.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Documents
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id uint) (*Document, error)

	// Job record
	GetJobStatus(ctx context.Context, id uint) (*JobState, error)
	UpdateStatus(ctx context.Context, id uint, update StatusUpdate) error
	ResetPending(ctx context.Context, id uint) error
	MarkManualDone(ctx context.Context, id uint, confidence float64) (bool, error)

	// Result documents
	CreateResult(ctx context.Context, result *Document) error
	LatestResult(ctx context.Context, sourceID uint) (*Document, error)
	CountResults(ctx context.Context, sourceID uint) (int64, error)
	TouchResult(ctx context.Context, resultID uint, at time.Time) error

	// Queries
	FindStale(ctx context.Context, olderThan time.Time, limit int) ([]*Document, error)
	GetGroupStatus(ctx context.Context, parentID uint) (*GroupStatus, error)
}
