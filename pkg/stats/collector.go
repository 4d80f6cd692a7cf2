package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

// Source is the queue the collector observes.
type Source interface {
	Events() <-chan core.Event
	Unsubscribe(ch <-chan core.Event)
	Pending() int
	InFlight() []uint
}

// Collector subscribes to queue events and periodically snapshots queue depth.
type Collector struct {
	source    Source
	stats     Storage
	queue     string
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending Counters

	// ready is closed once the collector has subscribed to events.
	ready     chan struct{}
	readyOnce sync.Once
}

// CollectorOption configures the Collector.
type CollectorOption interface {
	apply(*Collector)
}

type collectorOptionFunc func(*Collector)

func (f collectorOptionFunc) apply(c *Collector) { f(c) }

// WithRetention sets how long buckets are kept. Default: 7 days.
func WithRetention(d time.Duration) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		c.retention = d
	})
}

// WithInterval sets the flush and snapshot period. Default: 1 minute.
func WithInterval(d time.Duration) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	})
}

// NewCollector creates a collector recording source under the queue name.
func NewCollector(source Source, stats Storage, queue string, opts ...CollectorOption) *Collector {
	c := &Collector{
		source:    source,
		stats:     stats,
		queue:     queue,
		interval:  time.Minute,
		retention: 7 * 24 * time.Hour,
		logger:    slog.Default(),
		now:       time.Now,
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

// WaitReady blocks until the collector has subscribed to events.
func (c *Collector) WaitReady() {
	<-c.ready
}

// Start listens for events and flushes periodically. Blocks until ctx is
// cancelled, then flushes what is left.
func (c *Collector) Start(ctx context.Context) {
	events := c.source.Events()
	defer c.source.Unsubscribe(events)

	c.readyOnce.Do(func() { close(c.ready) })

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drain(events)
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return
		case e := <-events:
			c.handleEvent(e)
		case <-ticker.C:
			c.Flush(ctx)
			c.snapshot(ctx)
			c.prune(ctx)
		}
	}
}

// drain counts events already buffered when the collector stops.
func (c *Collector) drain(events <-chan core.Event) {
	for {
		select {
		case e := <-events:
			c.handleEvent(e)
		default:
			return
		}
	}
}

func (c *Collector) handleEvent(e core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := e.(type) {
	case *core.JobCompleted:
		c.pending.Completed++
		c.pending.BusyMillis += ev.Duration.Milliseconds()
	case *core.JobFailed:
		c.pending.Failed++
	case *core.JobDuplicate:
		c.pending.Duplicates++
	}
}

// Flush writes accumulated counters to the stats storage.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = Counters{}
	c.mu.Unlock()

	if batch.Zero() {
		return
	}
	if err := c.stats.UpsertCounters(ctx, c.queue, c.now(), batch); err != nil {
		c.logger.Warn("flushing job stats failed", "queue", c.queue, "error", err)
	}
}

func (c *Collector) snapshot(ctx context.Context) {
	waiting := int64(c.source.Pending())
	running := int64(len(c.source.InFlight())) - waiting
	if err := c.stats.SnapshotDepth(ctx, c.queue, c.now(), waiting, max(running, 0)); err != nil {
		c.logger.Warn("snapshotting queue depth failed", "queue", c.queue, "error", err)
	}
}

func (c *Collector) prune(ctx context.Context) {
	if c.retention > 0 {
		_, _ = c.stats.Prune(ctx, c.now().Add(-c.retention))
	}
}
