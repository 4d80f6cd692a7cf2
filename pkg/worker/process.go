package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

// CommandFunc builds the command that starts one worker process.
// The process must run Serve on its stdin and stdout.
type CommandFunc func() *exec.Cmd

// ProcessPool runs jobs in a fixed number of long-lived worker processes.
// Processes start lazily on first use and are respawned after they exit,
// crash or are killed by the watchdog.
type ProcessPool struct {
	command CommandFunc
	config  PoolConfig
	sem     *semaphore.Weighted
	idle    chan *process
	wg      sync.WaitGroup
	closed  atomic.Bool

	mu   sync.Mutex
	live map[*process]struct{}
}

// NewProcessPool creates a pool starting workers with command.
func NewProcessPool(command CommandFunc, opts ...PoolOption) *ProcessPool {
	cfg := defaultPoolConfig()
	for _, opt := range opts {
		opt.ApplyPool(&cfg)
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	p := &ProcessPool{
		command: command,
		config:  cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Size)),
		idle:    make(chan *process, cfg.Size),
		live:    make(map[*process]struct{}),
	}
	for i := 0; i < cfg.Size; i++ {
		p.idle <- nil
	}
	return p
}

// Size implements Pool.
func (p *ProcessPool) Size() int {
	return p.config.Size
}

// Submit implements Pool.
func (p *ProcessPool) Submit(ctx context.Context, docID uint) <-chan core.JobResult {
	if p.closed.Load() {
		return resolved(failed(docID, core.ErrPoolClosed))
	}
	out := make(chan core.JobResult, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			out <- failed(docID, err)
			return
		}
		defer p.sem.Release(1)

		proc := <-p.idle
		res, proc := p.execute(proc, docID)
		p.idle <- proc
		out <- res
	}()
	return out
}

// execute runs one job on proc, starting a process when proc is nil. It
// returns the process to keep, or nil when it is gone.
func (p *ProcessPool) execute(proc *process, docID uint) (core.JobResult, *process) {
	logger := p.config.Logger.With("doc_id", docID)

	if proc == nil || proc.exitedNow() {
		var err error
		proc, err = p.spawn()
		if err != nil {
			logger.Error("starting worker process failed", "error", err)
			return failed(docID, err), nil
		}
	}

	if err := proc.enc.Encode(Request{DocumentID: docID}); err != nil {
		logger.Error("sending job to worker failed", "pid", proc.pid(), "error", err)
		p.kill(proc)
		return failed(docID, fmt.Errorf("%w: %v", core.ErrWorkerCrashed, err)), nil
	}

	watchdog := time.NewTimer(p.config.MaxJobDuration)
	defer watchdog.Stop()

	select {
	case msg, ok := <-proc.msgs:
		if !ok {
			logger.Error("worker process died during job", "pid", proc.pid(), "exit", proc.exitStatus())
			p.forget(proc)
			return failed(docID, fmt.Errorf("%w: %s", core.ErrWorkerCrashed, proc.exitStatus())), nil
		}
		if msg.Type != MsgResult || msg.Result == nil {
			logger.Error("unexpected worker message", "type", msg.Type, "error", msg.Error)
			p.kill(proc)
			return failed(docID, fmt.Errorf("%w: unexpected %q message", core.ErrWorkerCrashed, msg.Type)), nil
		}
		res := *msg.Result
		res.DocumentID = docID
		if msg.Exit {
			logger.Info("worker process retiring after job", "pid", proc.pid())
			p.retire(proc)
			return res, nil
		}
		return res, proc

	case <-watchdog.C:
		logger.Error("job exceeded maximum duration, killing worker", "pid", proc.pid(), "limit", p.config.MaxJobDuration)
		p.kill(proc)
		return failed(docID, fmt.Errorf("%w (%s)", core.ErrJobTimeout, p.config.MaxJobDuration)), nil
	}
}

// spawn starts a worker process and waits until it reports ready.
func (p *ProcessPool) spawn() (*process, error) {
	cmd := p.command()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = p.config.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	proc := &process{
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		msgs:   make(chan Message, 4),
		exited: make(chan struct{}),
	}
	go proc.read(stdout)

	p.mu.Lock()
	p.live[proc] = struct{}{}
	p.mu.Unlock()

	timer := time.NewTimer(p.config.StartTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-proc.msgs:
		switch {
		case !ok:
			p.forget(proc)
			return nil, fmt.Errorf("%w during startup: %s", core.ErrWorkerCrashed, proc.exitStatus())
		case msg.Type == MsgError:
			p.kill(proc)
			return nil, core.NoRetry(fmt.Errorf("worker initialisation: %s", msg.Error))
		case msg.Type != MsgReady:
			p.kill(proc)
			return nil, fmt.Errorf("%w: unexpected %q message during startup", core.ErrWorkerCrashed, msg.Type)
		}
		p.config.Logger.Info("worker process ready", "pid", proc.pid(), "worker", msg.WorkerID, "placement", msg.Placement)
		return proc, nil

	case <-timer.C:
		p.kill(proc)
		return nil, fmt.Errorf("worker did not become ready within %s", p.config.StartTimeout)
	}
}

// Close implements Pool. Idle processes get their stdin closed and exit on
// their own; processes still alive when ctx ends are killed.
func (p *ProcessPool) Close(ctx context.Context) error {
	p.closed.Store(true)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.mu.Lock()
	procs := make([]*process, 0, len(p.live))
	for proc := range p.live {
		procs = append(procs, proc)
	}
	p.mu.Unlock()

	for _, proc := range procs {
		_ = proc.stdin.Close()
	}
	for _, proc := range procs {
		select {
		case <-proc.exited:
		case <-ctx.Done():
			p.kill(proc)
		}
		p.forget(proc)
	}
	return err
}

func (p *ProcessPool) kill(proc *process) {
	if proc.cmd.Process != nil {
		_ = proc.cmd.Process.Kill()
	}
	<-proc.exited
	p.forget(proc)
}

func (p *ProcessPool) retire(proc *process) {
	_ = proc.stdin.Close()
	select {
	case <-proc.exited:
	case <-time.After(30 * time.Second):
		_ = proc.cmd.Process.Kill()
		<-proc.exited
	}
	p.forget(proc)
}

func (p *ProcessPool) forget(proc *process) {
	p.mu.Lock()
	delete(p.live, proc)
	p.mu.Unlock()
}

// process is one running worker.
type process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	enc     *json.Encoder
	msgs    chan Message
	exited  chan struct{}
	waitErr error
}

// read forwards worker messages until stdout closes, then reaps the process.
func (w *process) read(stdout io.Reader) {
	dec := json.NewDecoder(stdout)
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			break
		}
		w.msgs <- msg
	}
	close(w.msgs)
	w.waitErr = w.cmd.Wait()
	close(w.exited)
}

func (w *process) exitedNow() bool {
	select {
	case <-w.exited:
		return true
	default:
		return false
	}
}

// exitStatus waits briefly for the process to be reaped and describes how it ended.
func (w *process) exitStatus() string {
	select {
	case <-w.exited:
	case <-time.After(5 * time.Second):
		return "still running"
	}
	if w.waitErr != nil {
		return w.waitErr.Error()
	}
	return "exit status 0"
}

func (w *process) pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}
