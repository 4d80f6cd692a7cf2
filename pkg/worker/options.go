package worker

import (
	"io"
	"log/slog"
	"time"

	"github.com/jdziat/court-ocr-jobs/pkg/security"
)

// PoolOption configures a pool.
type PoolOption interface {
	ApplyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) ApplyPool(c *PoolConfig) { f(c) }

// PoolConfig holds pool configuration.
type PoolConfig struct {
	Size           int
	MaxJobDuration time.Duration
	StartTimeout   time.Duration
	Stderr         io.Writer
	Logger         *slog.Logger
}

func defaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:           DefaultSize(),
		MaxJobDuration: 2 * time.Hour,
		StartTimeout:   15 * time.Minute,
		Logger:         slog.Default(),
	}
}

// Size sets the number of concurrent jobs.
// Values are clamped to [1, MaxPoolSize].
func Size(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.Size = security.ClampPoolSize(n)
	})
}

// WithMaxJobDuration sets the watchdog limit for one job.
func WithMaxJobDuration(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		if d > 0 {
			c.MaxJobDuration = d
		}
	})
}

// WithStartTimeout bounds how long a worker process may take to load its engine.
func WithStartTimeout(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		if d > 0 {
			c.StartTimeout = d
		}
	})
}

// WithStderr sets where worker processes write their logs. Default: os.Stderr.
func WithStderr(w io.Writer) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.Stderr = w
	})
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		if l != nil {
			c.Logger = l
		}
	})
}
