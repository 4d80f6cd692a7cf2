package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jdziat/court-ocr-jobs/pkg/command"
	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

// Defaults for a locally served model.
const (
	DefaultServeStartTimeout = 10 * time.Minute
	defaultServePoll         = 2 * time.Second
	serveStopTimeout         = 30 * time.Second
)

// VLMServeConfig makes each engine launch its own inference server, pinned
// to the engine's placement, instead of calling a shared remote endpoint.
type VLMServeConfig struct {
	// Command is the server binary, e.g. "vllm". Empty disables local serving.
	Command string

	// Args are appended after the generated arguments.
	Args []string

	// Port the server listens on; 0 picks a free port per launch.
	Port int

	StartTimeout time.Duration
	PollInterval time.Duration

	// Starter launches the server; nil uses os/exec.
	Starter command.Starter
}

// ServeSpec is the command line and environment that run the model for p:
// the device is exposed through CUDA_VISIBLE_DEVICES and the memory cap
// becomes the server's share of device memory.
func ServeSpec(sc VLMServeConfig, model string, port int, p Placement) command.Spec {
	args := []string{"serve", model, "--host", "127.0.0.1", "--port", strconv.Itoa(port)}
	if f := p.MemFraction(); f > 0 {
		args = append(args, "--gpu-memory-utilization", strconv.FormatFloat(f, 'f', 2, 64))
	}
	spec := command.Spec{Name: sc.Command, Args: append(args, sc.Args...)}
	if !p.Auto() {
		spec.Env = []string{"CUDA_VISIBLE_DEVICES=" + strconv.Itoa(p.Device)}
	}
	return spec
}

// servedVLM owns the server process behind its client.
type servedVLM struct {
	*VLM
	proc command.Process
}

func (s *servedVLM) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), serveStopTimeout)
	defer cancel()
	return errors.Join(s.VLM.Close(), s.proc.Stop(ctx))
}

func newServedVLMFactory(cfg VLMConfig) Factory {
	sc := cfg.Serve
	if sc.Starter == nil {
		sc.Starter = command.NewExecRunner(nil)
	}
	if sc.StartTimeout <= 0 {
		sc.StartTimeout = DefaultServeStartTimeout
	}
	if sc.PollInterval <= 0 {
		sc.PollInterval = defaultServePoll
	}

	return func(ctx context.Context, p Placement) (Engine, error) {
		port := sc.Port
		if port == 0 {
			var err error
			if port, err = freePort(); err != nil {
				return nil, fmt.Errorf("vlm: pick port: %w", err)
			}
		}

		proc, err := sc.Starter.Start(ctx, ServeSpec(sc, cfg.Model, port, p))
		if err != nil {
			return nil, fmt.Errorf("vlm: start %s: %w", sc.Command, err)
		}

		local := cfg
		local.BaseURL = fmt.Sprintf("http://127.0.0.1:%d/v1", port)
		v, err := awaitServer(ctx, local, proc, sc)
		if err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), serveStopTimeout)
			defer cancel()
			_ = proc.Stop(stopCtx)
			return nil, err
		}
		return &servedVLM{VLM: v, proc: proc}, nil
	}
}

// awaitServer polls until the server answers for the model, exits, or
// StartTimeout passes.
func awaitServer(ctx context.Context, cfg VLMConfig, proc command.Process, sc VLMServeConfig) (*VLM, error) {
	ctx, cancel := context.WithTimeout(ctx, sc.StartTimeout)
	defer cancel()
	tick := time.NewTicker(sc.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-proc.Done():
			return nil, serverExited(cfg.Model, proc)
		case <-ctx.Done():
			return nil, fmt.Errorf("vlm: server not serving %s after %s: %w", cfg.Model, sc.StartTimeout, ctx.Err())
		default:
		}

		v, err := NewVLM(ctx, cfg)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, core.ErrOutOfMemory) {
			return nil, err
		}

		select {
		case <-proc.Done():
		case <-ctx.Done():
		case <-tick.C:
		}
	}
}

func serverExited(model string, proc command.Process) error {
	cause := proc.Err()
	if cause == nil {
		cause = errors.New("exit status 0")
	}
	err := fmt.Errorf("vlm: server exited before serving %s: %v", model, cause)
	if tail := lastLine(proc.Stderr()); tail != "" && !strings.Contains(err.Error(), tail) {
		err = fmt.Errorf("%w: %s", err, tail)
	}
	return classifyAPIError(err)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
