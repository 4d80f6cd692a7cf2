package engine

import (
	"context"
	"path/filepath"
	"sync"
)

// FakeCall records one FakeEngine invocation.
type FakeCall struct {
	ImagePath   string
	Instruction string
}

// FakeEngine is an in-memory Engine for tests.
type FakeEngine struct {
	mu     sync.Mutex
	fn     func(ctx context.Context, imagePath, instruction string) (string, error)
	calls  []FakeCall
	closed bool
}

// NewFakeEngine returns an engine answering with fn. A nil fn echoes the
// image file name.
func NewFakeEngine(fn func(ctx context.Context, imagePath, instruction string) (string, error)) *FakeEngine {
	if fn == nil {
		fn = func(_ context.Context, imagePath, _ string) (string, error) {
			return "text of " + filepath.Base(imagePath), nil
		}
	}
	return &FakeEngine{fn: fn}
}

// Recognize implements Engine.
func (f *FakeEngine) Recognize(ctx context.Context, imagePath, instruction string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{ImagePath: imagePath, Instruction: instruction})
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, imagePath, instruction)
}

// Close implements Engine.
func (f *FakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Calls returns the recorded invocations.
func (f *FakeEngine) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

// Closed reports whether Close was called.
func (f *FakeEngine) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// StaticFactory returns a factory that always hands out eng.
func StaticFactory(eng Engine) Factory {
	return func(context.Context, Placement) (Engine, error) {
		return eng, nil
	}
}
