package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newStatsStore(t *testing.T) *GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the in-memory database alive across calls.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := NewGormStorage(db)
	require.NoError(t, s.MigrateStats(context.Background()))
	return s
}

var minute0 = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func TestBucket(t *testing.T) {
	warsaw := time.FixedZone("CEST", 2*60*60)
	assert.Equal(t, minute0, Bucket(minute0.Add(59*time.Second)))
	assert.Equal(t, minute0, Bucket(minute0.Add(42*time.Second).In(warsaw)))
}

func TestUpsertCounters_Accumulates(t *testing.T) {
	s := newStatsStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCounters(ctx, "ocr", minute0.Add(5*time.Second), Counters{Completed: 4, Failed: 1, BusyMillis: 800}))
	require.NoError(t, s.UpsertCounters(ctx, "ocr", minute0.Add(50*time.Second), Counters{Completed: 2, Duplicates: 3, BusyMillis: 200}))
	require.NoError(t, s.SnapshotDepth(ctx, "ocr", minute0, 7, 2))

	rows, err := s.History(ctx, "ocr", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got := rows[0]
	assert.True(t, minute0.Equal(got.Timestamp))
	assert.Equal(t, Counters{Completed: 6, Failed: 1, Duplicates: 3, BusyMillis: 1000},
		Counters{Completed: got.Completed, Failed: got.Failed, Duplicates: got.Duplicates, BusyMillis: got.BusyMillis})
	assert.Equal(t, int64(7), got.Pending)
	assert.Equal(t, int64(2), got.Running)
}

func TestSnapshotDepth_KeepsCounters(t *testing.T) {
	s := newStatsStore(t)
	ctx := context.Background()

	require.NoError(t, s.SnapshotDepth(ctx, "ocr", minute0, 3, 2))
	require.NoError(t, s.UpsertCounters(ctx, "ocr", minute0, Counters{Failed: 2}))
	require.NoError(t, s.SnapshotDepth(ctx, "ocr", minute0, 0, 1))

	rows, err := s.History(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(0), rows[0].Pending, "later snapshot replaces depth")
	assert.Equal(t, int64(1), rows[0].Running)
	assert.Equal(t, int64(2), rows[0].Failed)
}

func TestHistory_FiltersAndOrders(t *testing.T) {
	s := newStatsStore(t)
	ctx := context.Background()

	for i, q := range []string{"selection", "ocr", "ocr", "selection"} {
		ts := minute0.Add(time.Duration(i/2) * BucketWidth)
		require.NoError(t, s.UpsertCounters(ctx, q, ts, Counters{Completed: int64(i + 1)}))
	}

	all, err := s.History(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "ocr", all[0].Queue, "same bucket sorts by queue")
	assert.Equal(t, "selection", all[1].Queue)

	ocr, err := s.History(ctx, "ocr", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, ocr, 2)

	window, err := s.History(ctx, "", minute0.Add(BucketWidth), minute0.Add(BucketWidth))
	require.NoError(t, err)
	require.Len(t, window, 2)
	for _, row := range window {
		assert.True(t, minute0.Add(BucketWidth).Equal(row.Timestamp))
	}
}

func TestPrune(t *testing.T) {
	s := newStatsStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCounters(ctx, "ocr", minute0.Add(-72*time.Hour), Counters{Completed: 1}))
	require.NoError(t, s.UpsertCounters(ctx, "ocr", minute0.Add(-30*time.Hour), Counters{Completed: 1}))
	require.NoError(t, s.UpsertCounters(ctx, "ocr", minute0, Counters{Completed: 1}))

	n, err := s.Prune(ctx, minute0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.History(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.True(t, minute0.Equal(left[0].Timestamp))
}
