package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/court-ocr-jobs/internal/config"
	"github.com/jdziat/court-ocr-jobs/pkg/command"
	"github.com/jdziat/court-ocr-jobs/pkg/engine"
)

func TestNewExecutor_StuckPageReloadsEngine(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	stuck := engine.NewFakeEngine(func(context.Context, string, string) (string, error) {
		<-release
		return "", nil
	})
	var loads []engine.Placement
	loader := engine.NewLoader(func(_ context.Context, p engine.Placement) (engine.Engine, error) {
		loads = append(loads, p)
		return engine.NewFakeEngine(func(context.Context, string, string) (string, error) {
			return "Wyrok sądu okręgowego", nil
		}), nil
	}, nil, engine.LoaderConfig{Strategy: engine.StrategyAuto, MemLimitGB: 16}, nil)

	cfg := &config.Config{OCR: config.OCRConfig{Timeout: 20 * time.Millisecond}}
	x := newExecutor(cfg, stuck, loader, nil)

	assert.Equal(t, engine.TimeoutSentinel, x.Recognize(context.Background(), "/tmp/page-1.png", ""))
	assert.Equal(t, "Wyrok sądu okręgowego", x.Recognize(context.Background(), "/tmp/page-2.png", ""))
	assert.Equal(t, "Wyrok sądu okręgowego", x.Recognize(context.Background(), "/tmp/page-3.png", ""))

	require.Len(t, loads, 1, "one reload after the abandoned call")
	assert.True(t, loads[0].Auto())
	assert.True(t, x.Poisoned(), "a worker process still retires after the job")
}

func TestEngineLoader_LocalServeUsesRunner(t *testing.T) {
	cfg := &config.Config{OCR: config.OCRConfig{
		Engine:         engine.KindVLM,
		Model:          "qwen",
		VLMServeCmd:    "vllm",
		VLMServePort:   1,
		DeviceStrategy: engine.StrategySingle,
		GPUSelectMode:  engine.SelectFixed,
		GPUDevice:      2,
	}}
	fake := command.NewFakeRunner()

	loader, err := engineLoader(cfg, fake, nil)
	require.NoError(t, err)
	_, _, err = loader.Load(context.Background())
	require.Error(t, err, "no server binary registered")

	started := fake.Started()
	require.NotEmpty(t, started)
	assert.Equal(t, "vllm", started[0].Name)
	assert.Equal(t, []string{"CUDA_VISIBLE_DEVICES=2"}, started[0].Env)
}

func TestPipelineOptions_Prepare(t *testing.T) {
	cfg := &config.Config{}
	base := len(pipelineOptions(cfg, nil))

	cfg.OCR.PrepareImages = true
	assert.Len(t, pipelineOptions(cfg, nil), base+1)
}
