package command

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// HandlerFunc answers one fake command invocation.
type HandlerFunc func(ctx context.Context, args []string) (stdout, stderr []byte, err error)

// StartFunc answers one fake process launch.
type StartFunc func(ctx context.Context, spec Spec) (Process, error)

// FakeRunner is an in-memory Runner and Starter for tests. Commands without
// a handler fail as if the binary were not installed.
type FakeRunner struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	starters map[string]StartFunc
	calls    [][]string
	started  []Spec
}

// NewFakeRunner returns an empty fake.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{handlers: make(map[string]HandlerFunc), starters: make(map[string]StartFunc)}
}

// Handle registers fn for the command name.
func (f *FakeRunner) Handle(name string, fn HandlerFunc) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = fn
	return f
}

// Run implements Runner.
func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	fn, ok := f.handlers[name]
	f.mu.Unlock()

	if !ok {
		return nil, nil, &ExitError{Name: name, Err: fmt.Errorf("%w: %s", exec.ErrNotFound, name)}
	}
	return fn(ctx, args)
}

// Calls returns every invocation of name, arguments only.
func (f *FakeRunner) Calls(name string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c[0] == name {
			out = append(out, append([]string(nil), c[1:]...))
		}
	}
	return out
}

// HandleStart registers fn for launches of the command name.
func (f *FakeRunner) HandleStart(name string, fn StartFunc) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starters[name] = fn
	return f
}

// Start implements Starter.
func (f *FakeRunner) Start(ctx context.Context, spec Spec) (Process, error) {
	f.mu.Lock()
	spec.Args = append([]string(nil), spec.Args...)
	spec.Env = append([]string(nil), spec.Env...)
	f.started = append(f.started, spec)
	fn, ok := f.starters[spec.Name]
	f.mu.Unlock()

	if !ok {
		return nil, &ExitError{Name: spec.Name, Err: fmt.Errorf("%w: %s", exec.ErrNotFound, spec.Name)}
	}
	return fn(ctx, spec)
}

// Started returns every launched spec in order.
func (f *FakeRunner) Started() []Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Spec(nil), f.started...)
}

// FakeProcess is a Process the test ends with Exit.
type FakeProcess struct {
	done    chan struct{}
	once    sync.Once
	err     error
	stderr  string
	mu      sync.Mutex
	stopped bool
}

// NewFakeProcess returns a running fake process.
func NewFakeProcess() *FakeProcess {
	return &FakeProcess{done: make(chan struct{})}
}

// Exit ends the process with err and the given stderr output.
func (p *FakeProcess) Exit(err error, stderr string) {
	p.once.Do(func() {
		p.err = err
		p.stderr = stderr
		close(p.done)
	})
}

// Done implements Process.
func (p *FakeProcess) Done() <-chan struct{} { return p.done }

// Err implements Process.
func (p *FakeProcess) Err() error { return p.err }

// Stderr implements Process.
func (p *FakeProcess) Stderr() string {
	select {
	case <-p.done:
		return p.stderr
	default:
		return ""
	}
}

// Stop implements Process.
func (p *FakeProcess) Stop(context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.Exit(nil, "")
	return nil
}

// Stopped reports whether Stop was called.
func (p *FakeProcess) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
