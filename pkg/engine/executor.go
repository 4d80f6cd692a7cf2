package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Page sentinels substituted for failed recognitions.
const (
	TimeoutSentinel = "[Timeout OCR]"
	errorPrefix     = "[Błąd OCR"
)

// DefaultPageTimeout bounds one recognition call.
const DefaultPageTimeout = 300 * time.Second

// DefaultAbandonGrace is how long a timed-out call may take to return
// before its engine is abandoned.
const DefaultAbandonGrace = time.Second

var errEngineUnavailable = errors.New("silnik OCR niedostępny")

// ErrorSentinel returns the page text recorded for a failed recognition.
func ErrorSentinel(err error) string {
	return fmt.Sprintf("%s: %v]", errorPrefix, err)
}

// IsFailure reports whether text is a sentinel or a page error marker
// rather than recognised text.
func IsFailure(text string) bool {
	t := strings.TrimSpace(text)
	return t == TimeoutSentinel || strings.HasPrefix(t, errorPrefix)
}

// Page is the outcome of one recognition.
type Page struct {
	Text string

	// Failed is set when Text is a sentinel.
	Failed bool

	// EngineConfidence is the backend's own score, when it reports one.
	EngineConfidence float64
	HasConfidence    bool
}

// ReloadFunc replaces an engine abandoned after a timeout.
type ReloadFunc func(ctx context.Context) (Engine, error)

// ExecutorOption configures an Executor.
type ExecutorOption interface {
	apply(*Executor)
}

type executorOptionFunc func(*Executor)

func (f executorOptionFunc) apply(e *Executor) { f(e) }

// WithTimeout sets the per-page wall-clock limit.
func WithTimeout(d time.Duration) ExecutorOption {
	return executorOptionFunc(func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	})
}

// WithInstruction sets the instruction used when callers pass none.
func WithInstruction(s string) ExecutorOption {
	return executorOptionFunc(func(e *Executor) {
		if s != "" {
			e.instruction = s
		}
	})
}

// WithAbandonGrace sets how long a timed-out call may take to honour its
// deadline before the engine is abandoned.
func WithAbandonGrace(d time.Duration) ExecutorOption {
	return executorOptionFunc(func(e *Executor) {
		if d >= 0 {
			e.grace = d
		}
	})
}

// WithReload sets how a fresh engine is obtained after a timed-out call.
// Without it an abandoned engine leaves the executor unusable.
func WithReload(fn ReloadFunc) ExecutorOption {
	return executorOptionFunc(func(e *Executor) {
		e.reload = fn
	})
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return executorOptionFunc(func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	})
}

// WithMemoryRelease toggles returning freed memory to the OS after each call.
func WithMemoryRelease(on bool) ExecutorOption {
	return executorOptionFunc(func(e *Executor) {
		e.releaseMemory = on
	})
}

// Executor runs page recognition with a hard timeout and never returns an error.
type Executor struct {
	mu            sync.Mutex
	engine        Engine
	reload        ReloadFunc
	timeout       time.Duration
	grace         time.Duration
	instruction   string
	logger        *slog.Logger
	releaseMemory bool
	poisoned      bool
}

// NewExecutor wraps a loaded engine.
func NewExecutor(eng Engine, opts ...ExecutorOption) *Executor {
	e := &Executor{
		engine:        eng,
		timeout:       DefaultPageTimeout,
		grace:         DefaultAbandonGrace,
		instruction:   DefaultInstruction,
		logger:        slog.Default(),
		releaseMemory: true,
	}
	for _, opt := range opts {
		opt.apply(e)
	}
	return e
}

// Recognize returns the text of imagePath or a sentinel.
func (e *Executor) Recognize(ctx context.Context, imagePath, instruction string) string {
	return e.RecognizePage(ctx, imagePath, instruction).Text
}

// RecognizePage runs one recognition. A call exceeding the timeout yields
// the timeout sentinel. If it does not return within the abandon grace
// either, its engine is dropped and closed once the call returns, the
// executor is marked poisoned and the next call reloads an engine.
func (e *Executor) RecognizePage(ctx context.Context, imagePath, instruction string) Page {
	e.mu.Lock()
	defer e.mu.Unlock()

	if instruction == "" {
		instruction = e.instruction
	}
	if e.releaseMemory {
		defer debug.FreeOSMemory()
	}

	eng, err := e.current(ctx)
	if err != nil {
		e.logger.Error("OCR engine unavailable", "image", imagePath, "error", err)
		return Page{Text: ErrorSentinel(err), Failed: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("OCR engine panicked", "image", imagePath, "panic", r, "stack", string(debug.Stack()))
				o = outcome{err: fmt.Errorf("panic: %v", r)}
			}
			done <- o
		}()
		o.text, o.err = eng.Recognize(callCtx, imagePath, instruction)
		if s, ok := eng.(Scorer); ok && o.err == nil {
			o.conf, o.score = s.LastConfidence()
		}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
				e.logger.Warn("OCR call timed out", "image", imagePath, "timeout", e.timeout)
				return Page{Text: TimeoutSentinel, Failed: true}
			}
			e.logger.Error("OCR call failed",
				"image", imagePath,
				"duration_ms", time.Since(start).Milliseconds(),
				"error", o.err,
			)
			return Page{Text: ErrorSentinel(o.err), Failed: true}
		}
		e.logger.Debug("OCR call finished", "image", imagePath, "duration_ms", time.Since(start).Milliseconds(), "chars", len(o.text))
		return Page{Text: o.text, EngineConfidence: o.conf, HasConfidence: o.score}

	case <-callCtx.Done():
		if ctx.Err() != nil {
			return Page{Text: ErrorSentinel(ctx.Err()), Failed: true}
		}
		grace := time.NewTimer(e.grace)
		defer grace.Stop()
		select {
		case <-done:
			e.logger.Warn("OCR call timed out", "image", imagePath, "timeout", e.timeout)
		case <-grace.C:
			e.logger.Warn("OCR call timed out, abandoning engine", "image", imagePath, "timeout", e.timeout)
			e.abandon(done)
		}
		return Page{Text: TimeoutSentinel, Failed: true}
	}
}

// Poisoned reports whether a call had to be abandoned. The worker owning a
// poisoned executor should exit after its current job.
func (e *Executor) Poisoned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.poisoned
}

// Close releases the current engine.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.engine == nil {
		return nil
	}
	err := e.engine.Close()
	e.engine = nil
	return err
}

func (e *Executor) current(ctx context.Context) (Engine, error) {
	if e.engine != nil {
		return e.engine, nil
	}
	if e.reload == nil {
		return nil, errEngineUnavailable
	}
	eng, err := e.reload(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errEngineUnavailable, err)
	}
	e.engine = eng
	return eng, nil
}

// abandon drops the stuck engine and closes it when its call finally returns.
func (e *Executor) abandon(done <-chan outcome) {
	eng := e.engine
	e.engine = nil
	e.poisoned = true
	go func() {
		<-done
		if err := eng.Close(); err != nil {
			e.logger.Warn("closing abandoned OCR engine failed", "error", err)
		}
	}()
}

type outcome struct {
	text  string
	conf  float64
	score bool
	err   error
}
