package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

// InterruptedInfo is the progress text of a job lost to a restart.
const InterruptedInfo = core.FailurePrefix + "zadanie przerwane (restart procesu)"

// Defaults for the reaper.
const (
	DefaultGrace     = 10 * time.Minute
	DefaultBatchSize = 100
)

// InFlight tells whether a document id belongs to a live job.
type InFlight interface {
	IsInFlight(docID uint) bool
}

// Reaper fails pending or running job records that no live job owns and that
// have not been written within the grace period.
type Reaper struct {
	store    core.Storage
	inFlight InFlight
	schedule Schedule
	grace    time.Duration
	batch    int
	logger   *slog.Logger
	now      func() time.Time
}

// ReaperOption configures a Reaper.
type ReaperOption interface {
	applyReaper(*Reaper)
}

type reaperOptionFunc func(*Reaper)

func (f reaperOptionFunc) applyReaper(r *Reaper) { f(r) }

// WithSchedule sets when Start runs a pass. Default: every minute.
func WithSchedule(s Schedule) ReaperOption {
	return reaperOptionFunc(func(r *Reaper) {
		if s != nil {
			r.schedule = s
		}
	})
}

// WithGrace sets how long a record may go unwritten before it is reaped.
func WithGrace(d time.Duration) ReaperOption {
	return reaperOptionFunc(func(r *Reaper) {
		if d > 0 {
			r.grace = d
		}
	})
}

// WithBatchSize limits how many records one pass examines.
func WithBatchSize(n int) ReaperOption {
	return reaperOptionFunc(func(r *Reaper) {
		if n > 0 {
			r.batch = n
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ReaperOption {
	return reaperOptionFunc(func(r *Reaper) {
		if l != nil {
			r.logger = l
		}
	})
}

// NewReaper creates a reaper over store. Ids inFlight reports are skipped.
func NewReaper(store core.Storage, inFlight InFlight, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:    store,
		inFlight: inFlight,
		schedule: cron.Every(time.Minute),
		grace:    DefaultGrace,
		batch:    DefaultBatchSize,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt.applyReaper(r)
	}
	return r
}

// Reap runs one pass and returns the number of records failed.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	stale, err := r.store.FindStale(ctx, r.now().Add(-r.grace), r.batch)
	if err != nil {
		return 0, fmt.Errorf("find stale jobs: %w", err)
	}

	reaped := 0
	for _, doc := range stale {
		if r.inFlight != nil && r.inFlight.IsInFlight(doc.ID) {
			continue
		}
		update := core.StatusUpdate{Status: core.StatusFail, Info: InterruptedInfo}
		if err := r.store.UpdateStatus(ctx, doc.ID, update); err != nil {
			r.logger.Error("failed to reap stale job", "doc_id", doc.ID, "error", err)
			continue
		}
		r.logger.Warn("reaped stale job", "doc_id", doc.ID, "status", doc.OCRStatus)
		reaped++
	}
	return reaped, nil
}

// Start runs a pass at every scheduled time until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	next := r.schedule.Next(r.now())
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if n, err := r.Reap(ctx); err != nil {
			r.logger.Error("reaper pass failed", "error", err)
		} else if n > 0 {
			r.logger.Info("reaper pass finished", "reaped", n)
		}
		next = r.schedule.Next(r.now())
	}
}
