package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// Spec describes a long-running child process.
type Spec struct {
	Name string
	Args []string

	// Env entries are added to the parent environment.
	Env []string
}

func (s Spec) String() string {
	return strings.Join(append([]string{s.Name}, s.Args...), " ")
}

// Process is a started child process.
type Process interface {
	// Done is closed when the process exits.
	Done() <-chan struct{}

	// Err is the exit error. Valid once Done is closed.
	Err() error

	// Stderr returns the tail of the process stderr.
	Stderr() string

	// Stop terminates the process, killing it when ctx ends first.
	Stop(ctx context.Context) error
}

// Starter launches long-running processes such as local inference servers.
type Starter interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// Start launches spec and returns without waiting for it. The process
// outlives ctx; callers end it with Stop.
func (r *ExecRunner) Start(ctx context.Context, spec Spec) (Process, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	p := &execProcess{cmd: cmd, done: make(chan struct{}), stderr: &tailBuffer{max: maxLoggedStderr}}
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, &ExitError{Name: spec.Name, Err: err}
	}
	logger.Info("started process", "cmd_line", spec.String(), "env", spec.Env, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		switch {
		case p.stopped():
			logger.Info("process stopped", "cmd", spec.Name, "pid", cmd.Process.Pid)
		case err != nil:
			p.err = &ExitError{Name: spec.Name, Err: err, Stderr: p.stderr.String()}
			logger.Warn("process exited", "cmd", spec.Name, "error", p.err)
		}
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	stderr *tailBuffer

	mu       sync.Mutex
	stopping bool
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error { return p.err }

func (p *execProcess) Stderr() string { return p.stderr.String() }

func (p *execProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.done
		return fmt.Errorf("stop %s: %w", p.cmd.Path, ctx.Err())
	}
}

func (p *execProcess) stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
