// Package api serves the OCR job interfaces over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/stats"
)

// Runner accepts re-run requests. *queue.Queue implements it.
type Runner interface {
	RequestRun(ctx context.Context, docID uint) (bool, error)
}

// Texts reads and overwrites OCR result text. *storage.TextStore implements it.
type Texts interface {
	Read(ctx context.Context, sourceID uint) (string, error)
	Update(ctx context.Context, sourceID uint, text string) (*core.TextUpdate, error)
}

// Selector recognizes a region of a document page. *selection.Service implements it.
type Selector interface {
	Recognize(ctx context.Context, docID uint, sel core.Selection) (*core.SelectionResult, error)
}

// Option configures the handler.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	middleware func(http.Handler) http.Handler
	runner     Runner
	texts      Texts
	selector   Selector
	stats      stats.Storage
	logger     *slog.Logger
}

// WithMiddleware wraps the handler with middleware (auth, logging, etc.).
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return optionFunc(func(c *config) {
		c.middleware = mw
	})
}

// WithRunner enables the run_ocr route.
func WithRunner(r Runner) Option {
	return optionFunc(func(c *config) {
		c.runner = r
	})
}

// WithTexts enables the ocr-text routes.
func WithTexts(t Texts) Option {
	return optionFunc(func(c *config) {
		c.texts = t
	})
}

// WithSelector enables the ocr-selection route.
func WithSelector(s Selector) Option {
	return optionFunc(func(c *config) {
		c.selector = s
	})
}

// WithStats enables the stats route.
func WithStats(s stats.Storage) Option {
	return optionFunc(func(c *config) {
		c.stats = s
	})
}

// WithLogger sets the logger for request errors.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *config) {
		if l != nil {
			c.logger = l
		}
	})
}
