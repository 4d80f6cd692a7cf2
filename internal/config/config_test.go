package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/court-ocr-jobs/pkg/engine"
	"github.com/jdziat/court-ocr-jobs/pkg/raster"
	"github.com/jdziat/court-ocr-jobs/pkg/worker"
)

var keys = []string{
	"DATABASE_URL", "FILES_DIR", "OCR_ENGINE", "OCR_LANGUAGE", "OCR_MODEL", "OCR_API_BASE_URL",
	"OCR_API_KEY", "OCR_MAX_NEW_TOKENS", "OCR_INSTRUCTION", "TESSDATA_PREFIX", "GOOGLE_CREDENTIALS",
	"GOOGLE_APPLICATION_CREDENTIALS", "OCR_TIMEOUT", "PDF_DPI", "SELECTION_DPI", "OCR_EMBED_PDF",
	"DEVICE_STRATEGY", "GPU_SELECT_MODE", "GPU_DEVICE", "GPU_MEM_LIMIT_GB", "OCR_POOL", "OCR_WORKERS",
	"OCR_MAX_JOB_DURATION", "OCR_WORKER_START_TIMEOUT", "REAPER_SCHEDULE", "REAPER_GRACE",
	"HTTP_ADDR", "LOG_LEVEL", "LOG_FORMAT", "OCR_PREPARE_IMAGES", "OCR_VLM_SERVE_CMD", "OCR_VLM_SERVE_ARGS",
	"OCR_VLM_SERVE_PORT", "OCR_VLM_SERVE_TIMEOUT",
}

// clearEnv unsets every configuration key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "court-ocr.db", cfg.Database.URL)
	assert.Equal(t, "files", cfg.OCR.FilesDir)
	assert.Equal(t, engine.KindTesseract, cfg.OCR.Engine)
	assert.Equal(t, "pol+eng", cfg.OCR.Language)
	assert.Equal(t, 300*time.Second, cfg.OCR.Timeout)
	assert.Equal(t, 200, cfg.OCR.PDFDPI)
	assert.Equal(t, 300, cfg.OCR.SelectionDPI)
	assert.True(t, cfg.OCR.EmbedPDF)
	assert.False(t, cfg.OCR.PrepareImages)
	assert.Empty(t, cfg.OCR.VLMServeCmd)
	assert.Equal(t, 16, cfg.OCR.GPUMemLimitGB)
	assert.Equal(t, PoolProcess, cfg.Worker.Pool)
	assert.Equal(t, worker.DefaultSize(), cfg.Worker.Workers)
	assert.Equal(t, 2*time.Hour, cfg.Worker.MaxJobDuration)
	assert.Equal(t, "@every 1m", cfg.Reaper.Schedule)
	assert.Equal(t, 10*time.Minute, cfg.Reaper.Grace)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoad_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://ocr@localhost/ocr")
	t.Setenv("OCR_ENGINE", "vlm")
	t.Setenv("OCR_WORKERS", "1")
	t.Setenv("OCR_TIMEOUT", "90s")
	t.Setenv("OCR_EMBED_PDF", "false")
	t.Setenv("OCR_POOL", "local")
	t.Setenv("DEVICE_STRATEGY", "auto")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "postgres://ocr@localhost/ocr", cfg.Database.URL)
	assert.Equal(t, engine.KindVLM, cfg.OCR.Engine)
	assert.Equal(t, 1, cfg.Worker.Workers)
	assert.Equal(t, 90*time.Second, cfg.OCR.Timeout)
	assert.False(t, cfg.OCR.EmbedPDF)
	assert.Equal(t, PoolLocal, cfg.Worker.Pool)
	assert.Equal(t, engine.StrategyAuto, cfg.LoaderConfig().Strategy)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("OCR_WORKERS", "two")
	t.Setenv("OCR_TIMEOUT", "5 minutes")
	t.Setenv("OCR_EMBED_PDF", "maybe")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, worker.DefaultSize(), cfg.Worker.Workers)
	assert.Equal(t, 300*time.Second, cfg.OCR.Timeout)
	assert.True(t, cfg.OCR.EmbedPDF)
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("OCR_LANGUAGE", "deu")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("OCR_MODEL=local/ocr-model\nOCR_LANGUAGE=pol\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "local/ocr-model", cfg.OCR.Model)
	assert.Equal(t, "deu", cfg.OCR.Language, "the environment wins over the file")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"OCR_ENGINE", "easyocr"},
		{"DEVICE_STRATEGY", "balanced"},
		{"GPU_SELECT_MODE", "random"},
		{"OCR_POOL", "threads"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load(noEnvFile(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestEngineConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("OCR_ENGINE", "gvision")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "/secrets/sa.json")
	t.Setenv("OCR_LANGUAGE", "pol")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	ec := cfg.EngineConfig()
	assert.Equal(t, engine.KindGVision, ec.Kind)
	assert.Equal(t, "pol", ec.Language)
	assert.Equal(t, "/secrets/sa.json", ec.GVision.CredentialsFile)
	assert.Equal(t, 4096, ec.VLM.MaxTokens)
}

func TestPrepareOptions(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	_, on := cfg.PrepareOptions()
	assert.False(t, on)

	t.Setenv("OCR_PREPARE_IMAGES", "true")
	cfg, err = Load(noEnvFile(t))
	require.NoError(t, err)
	opts, on := cfg.PrepareOptions()
	assert.True(t, on)
	assert.Equal(t, raster.DefaultPrepareOptions(), opts)
}

func TestEngineConfig_VLMServe(t *testing.T) {
	clearEnv(t)
	t.Setenv("OCR_ENGINE", "vlm")
	t.Setenv("OCR_VLM_SERVE_CMD", "vllm")
	t.Setenv("OCR_VLM_SERVE_ARGS", "--max-model-len 8192  --enforce-eager")
	t.Setenv("OCR_VLM_SERVE_TIMEOUT", "20m")
	t.Setenv("OCR_WORKERS", "2")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	sc := cfg.EngineConfig().VLM.Serve
	assert.Equal(t, "vllm", sc.Command)
	assert.Equal(t, []string{"--max-model-len", "8192", "--enforce-eager"}, sc.Args)
	assert.Zero(t, sc.Port)
	assert.Equal(t, 20*time.Minute, sc.StartTimeout)
}

func TestLoad_SharedServePortRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("OCR_ENGINE", "vlm")
	t.Setenv("OCR_VLM_SERVE_CMD", "vllm")
	t.Setenv("OCR_VLM_SERVE_PORT", "8001")
	t.Setenv("OCR_WORKERS", "2")

	_, err := Load(noEnvFile(t))
	assert.ErrorContains(t, err, "OCR_VLM_SERVE_PORT")

	t.Setenv("OCR_WORKERS", "1")
	_, err = Load(noEnvFile(t))
	assert.NoError(t, err)
}

func TestValidate_VLMEndpoint(t *testing.T) {
	cfg := &Config{
		OCR:    OCRConfig{Engine: engine.KindVLM, DeviceStrategy: engine.StrategySingle, GPUSelectMode: engine.SelectAuto},
		Worker: WorkerConfig{Pool: PoolProcess, Workers: 1},
	}
	assert.ErrorContains(t, cfg.Validate(), "OCR_API_BASE_URL")

	cfg.OCR.VLMServeCmd = "vllm"
	assert.NoError(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Log: LogConfig{Level: "warn", Format: "json"}}
	logger := cfg.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "doc_id", 7)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"doc_id":7`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "ERROR", parseLevel("ERROR").String())
	assert.Equal(t, "INFO", parseLevel("loud").String())
}
