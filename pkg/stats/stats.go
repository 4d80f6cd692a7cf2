// Package stats records per-minute OCR job counters from queue events.
package stats

import (
	"context"
	"time"
)

// JobStat stores queue statistics bucketed by minute.
type JobStat struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	Queue      string    `gorm:"uniqueIndex:idx_ocr_stats_queue_ts;size:64;not null" json:"queue"`
	Timestamp  time.Time `gorm:"uniqueIndex:idx_ocr_stats_queue_ts;not null" json:"timestamp"`
	Pending    int64     `gorm:"default:0" json:"pending"`
	Running    int64     `gorm:"default:0" json:"running"`
	Completed  int64     `gorm:"default:0" json:"completed"`
	Failed     int64     `gorm:"default:0" json:"failed"`
	Duplicates int64     `gorm:"default:0" json:"duplicates"`

	// BusyMillis is the summed duration of the jobs completed in the bucket.
	BusyMillis int64 `gorm:"default:0" json:"busy_ms"`
}

// TableName keeps the stats table next to the documents table.
func (JobStat) TableName() string { return "ocr_job_stats" }

// Counters are the event-driven increments of one bucket.
type Counters struct {
	Completed  int64
	Failed     int64
	Duplicates int64
	BusyMillis int64
}

// Zero reports whether c carries no increments.
func (c Counters) Zero() bool {
	return c == Counters{}
}

// Storage is the interface for stats persistence.
type Storage interface {
	MigrateStats(ctx context.Context) error
	UpsertCounters(ctx context.Context, queue string, ts time.Time, c Counters) error
	SnapshotDepth(ctx context.Context, queue string, ts time.Time, pending, running int64) error
	History(ctx context.Context, queue string, since, until time.Time) ([]JobStat, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}
