package queue

import (
	"log/slog"
	"time"
)

// Name is the name of the only queue.
const Name = "ocr"

// Default values.
var (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultErrorBackoff = time.Second
	DefaultEventBuffer  = 100
)

// Options holds queue configuration.
type Options struct {
	// PollInterval bounds how long one pop waits for a pending id.
	PollInterval time.Duration

	// ErrorBackoff is the pause after an unexpected dispatch loop error.
	ErrorBackoff time.Duration

	// EventBuffer is the channel capacity of each Events subscriber.
	EventBuffer int

	Logger *slog.Logger
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		PollInterval: DefaultPollInterval,
		ErrorBackoff: DefaultErrorBackoff,
		EventBuffer:  DefaultEventBuffer,
		Logger:       slog.Default(),
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// WithPollInterval sets the pop timeout of the dispatch loop.
func WithPollInterval(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		if d > 0 {
			o.PollInterval = d
		}
	})
}

// WithErrorBackoff sets the pause after a dispatch loop error.
func WithErrorBackoff(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		if d > 0 {
			o.ErrorBackoff = d
		}
	})
}

// WithEventBuffer sets the capacity of subscriber channels.
func WithEventBuffer(n int) Option {
	return optionFunc(func(o *Options) {
		if n > 0 {
			o.EventBuffer = n
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	})
}
