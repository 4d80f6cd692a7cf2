package stats

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BucketWidth is the time span one JobStat row covers.
const BucketWidth = time.Minute

// Bucket returns the start of the bucket holding ts.
func Bucket(ts time.Time) time.Time {
	return ts.UTC().Truncate(BucketWidth)
}

// GormStorage keeps stats buckets in the documents database.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage returns stats storage over db.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// MigrateStats creates the stats table.
func (s *GormStorage) MigrateStats(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&JobStat{})
}

// bucketKey is the conflict target of every upsert.
var bucketKey = []clause.Column{{Name: "queue"}, {Name: "timestamp"}}

// accumulate returns "col = <table>.col + excluded.col".
func accumulate(cols ...string) clause.Set {
	set := make(clause.Set, 0, len(cols))
	for _, c := range cols {
		set = append(set, clause.Assignment{
			Column: clause.Column{Name: c},
			Value:  gorm.Expr("? + excluded.?", clause.Column{Table: JobStat{}.TableName(), Name: c}, clause.Column{Name: c}),
		})
	}
	return set
}

// UpsertCounters adds c to the bucket of ts in a single statement.
func (s *GormStorage) UpsertCounters(ctx context.Context, queue string, ts time.Time, c Counters) error {
	row := JobStat{
		Queue:      queue,
		Timestamp:  Bucket(ts),
		Completed:  c.Completed,
		Failed:     c.Failed,
		Duplicates: c.Duplicates,
		BusyMillis: c.BusyMillis,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   bucketKey,
		DoUpdates: accumulate("completed", "failed", "duplicates", "busy_millis"),
	}).Create(&row).Error
}

// SnapshotDepth overwrites the queue depth of the bucket of ts.
func (s *GormStorage) SnapshotDepth(ctx context.Context, queue string, ts time.Time, pending, running int64) error {
	row := JobStat{Queue: queue, Timestamp: Bucket(ts), Pending: pending, Running: running}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   bucketKey,
		DoUpdates: clause.AssignmentColumns([]string{"pending", "running"}),
	}).Create(&row).Error
}

// History returns the buckets of queue between since and until, oldest
// first. An empty queue matches all queues; zero bounds are open.
func (s *GormStorage) History(ctx context.Context, queue string, since, until time.Time) ([]JobStat, error) {
	tx := s.db.WithContext(ctx).Model(&JobStat{})
	if queue != "" {
		tx = tx.Where("queue = ?", queue)
	}
	if !since.IsZero() {
		tx = tx.Where("timestamp >= ?", since.UTC())
	}
	if !until.IsZero() {
		tx = tx.Where("timestamp <= ?", until.UTC())
	}

	var rows []JobStat
	err := tx.Order("timestamp").Order("queue").Find(&rows).Error
	return rows, err
}

// Prune drops buckets that started before cutoff.
func (s *GormStorage) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("timestamp < ?", cutoff.UTC()).Delete(&JobStat{})
	return res.RowsAffected, res.Error
}
