package engine

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/court-ocr-jobs/pkg/command"
	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

const cudaOOM = "torch.OutOfMemoryError: CUDA out of memory. Tried to allocate 2.00 GiB"

func serverPort(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

// launches hands out the processes a fake server command starts, in order.
type launches struct {
	mu    sync.Mutex
	procs []*command.FakeProcess
	exit  func(n int, p *command.FakeProcess)
}

func (l *launches) start(context.Context, command.Spec) (command.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := command.NewFakeProcess()
	if l.exit != nil {
		l.exit(len(l.procs), p)
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func serveConfig(starter command.Starter, port int) VLMConfig {
	return VLMConfig{
		Model: "qwen",
		Serve: VLMServeConfig{
			Command:      "vllm",
			Args:         []string{"--max-model-len", "8192"},
			Port:         port,
			StartTimeout: 2 * time.Second,
			PollInterval: 5 * time.Millisecond,
			Starter:      starter,
		},
	}
}

func TestServeSpec(t *testing.T) {
	sc := VLMServeConfig{Command: "vllm", Args: []string{"--enforce-eager"}}

	spec := ServeSpec(sc, "qwen", 8011, Placement{Device: 1, MemLimitGB: 16, DeviceMB: 40960})
	assert.Equal(t, "vllm", spec.Name)
	assert.Equal(t, []string{
		"serve", "qwen", "--host", "127.0.0.1", "--port", "8011",
		"--gpu-memory-utilization", "0.40",
		"--enforce-eager",
	}, spec.Args)
	assert.Equal(t, []string{"CUDA_VISIBLE_DEVICES=1"}, spec.Env)

	spec = ServeSpec(sc, "qwen", 8011, Placement{Device: AutoDevice, DeviceMB: 40960})
	assert.NotContains(t, spec.Args, "--gpu-memory-utilization")
	assert.Empty(t, spec.Env)
}

func TestServedVLM_RecognizeAndClose(t *testing.T) {
	srv, _ := newVLMServer(t, http.StatusOK, "Sygn. akt I C 123/24")
	l := &launches{}
	fake := command.NewFakeRunner().HandleStart("vllm", l.start)

	f, err := NewFactory(Config{Kind: KindVLM, VLM: serveConfig(fake, serverPort(t, srv.URL))})
	require.NoError(t, err)
	eng, err := f(context.Background(), Placement{Device: 0, MemLimitGB: 16, DeviceMB: 24576})
	require.NoError(t, err)

	img := filepath.Join(t.TempDir(), "page-1.png")
	require.NoError(t, os.WriteFile(img, []byte("\x89PNG fake"), 0o644))
	text, err := eng.Recognize(context.Background(), img, "")
	require.NoError(t, err)
	assert.Equal(t, "Sygn. akt I C 123/24", text)

	require.NoError(t, eng.Close())
	require.Len(t, l.procs, 1)
	assert.True(t, l.procs[0].Stopped(), "closing the engine stops its server")
}

func TestServedVLM_PlacementAtEachFallback(t *testing.T) {
	srv, _ := newVLMServer(t, http.StatusOK, "ok")
	l := &launches{exit: func(n int, p *command.FakeProcess) {
		if n < 2 {
			p.Exit(errors.New("exit status 1"), "Loading weights\n"+cudaOOM+"\n")
		}
	}}
	fake := command.NewFakeRunner().
		Handle("nvidia-smi", nvidiaSMI("0, 40960, 38000, 1500\n")).
		HandleStart("vllm", l.start)

	factory, err := NewFactory(Config{Kind: KindVLM, VLM: serveConfig(fake, serverPort(t, srv.URL))})
	require.NoError(t, err)
	loader := NewLoader(factory, fake, LoaderConfig{Strategy: StrategySingle, MemLimitGB: 16}, nil)

	eng, p, err := loader.Load(context.Background())
	require.NoError(t, err)
	defer eng.Close()
	assert.Equal(t, Placement{Device: AutoDevice, DeviceMB: 40960}, p)

	started := fake.Started()
	require.Len(t, started, 3)

	assert.Equal(t, []string{"CUDA_VISIBLE_DEVICES=0"}, started[0].Env, "pinned to the selected device")
	assert.Contains(t, started[0].String(), "--gpu-memory-utilization 0.40")

	assert.Empty(t, started[1].Env, "auto placement sees every device")
	assert.Contains(t, started[1].String(), "--gpu-memory-utilization 0.40")

	assert.Empty(t, started[2].Env)
	assert.NotContains(t, started[2].String(), "--gpu-memory-utilization", "last attempt is uncapped")

	assert.True(t, l.procs[0].Stopped())
	assert.True(t, l.procs[1].Stopped())
	assert.False(t, l.procs[2].Stopped())
}

func TestServedVLM_ExitIsFinalUnlessOutOfMemory(t *testing.T) {
	l := &launches{exit: func(_ int, p *command.FakeProcess) {
		p.Exit(errors.New("exit status 1"), "OSError: qwen is not a valid model identifier\n")
	}}
	fake := command.NewFakeRunner().HandleStart("vllm", l.start)
	factory, err := NewFactory(Config{Kind: KindVLM, VLM: serveConfig(fake, 1)})
	require.NoError(t, err)

	_, err = factory(context.Background(), Placement{Device: 0})
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrOutOfMemory)
	assert.ErrorContains(t, err, "not a valid model identifier")
}

func TestServedVLM_StartTimeout(t *testing.T) {
	port, err := freePort()
	require.NoError(t, err)
	l := &launches{}
	fake := command.NewFakeRunner().HandleStart("vllm", l.start)

	cfg := serveConfig(fake, port)
	cfg.Serve.StartTimeout = 50 * time.Millisecond
	factory, err := NewFactory(Config{Kind: KindVLM, VLM: cfg})
	require.NoError(t, err)

	_, err = factory(context.Background(), Placement{Device: AutoDevice})
	assert.ErrorContains(t, err, "not serving qwen")
	require.Len(t, l.procs, 1)
	assert.True(t, l.procs[0].Stopped(), "a server that never came up is stopped")
}

func TestServedVLM_MissingCommand(t *testing.T) {
	factory, err := NewFactory(Config{Kind: KindVLM, VLM: serveConfig(command.NewFakeRunner(), 1)})
	require.NoError(t, err)

	_, err = factory(context.Background(), Placement{Device: AutoDevice})
	assert.True(t, command.NotFound(err))
}

func TestPlacementMemFraction(t *testing.T) {
	assert.Zero(t, Placement{Device: 0, MemLimitGB: 16}.MemFraction(), "unknown device size")
	assert.Zero(t, Placement{Device: 0, DeviceMB: 40960}.MemFraction(), "uncapped")
	assert.InDelta(t, 0.5, Placement{Device: 0, MemLimitGB: 12, DeviceMB: 24576}.MemFraction(), 1e-9)
	assert.Equal(t, 1.0, Placement{Device: 0, MemLimitGB: 48, DeviceMB: 24576}.MemFraction())
}
