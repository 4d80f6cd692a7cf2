// Package config loads the application configuration from the environment
// and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jdziat/court-ocr-jobs/pkg/engine"
	"github.com/jdziat/court-ocr-jobs/pkg/raster"
	"github.com/jdziat/court-ocr-jobs/pkg/worker"
)

// Pool kinds.
const (
	PoolProcess = "process"
	PoolLocal   = "local"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	OCR      OCRConfig
	Worker   WorkerConfig
	Reaper   ReaperConfig
	Server   ServerConfig
	Log      LogConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	// URL is a SQLite path or a postgres:// DSN.
	URL string
}

// OCRConfig holds engine and pipeline configuration
type OCRConfig struct {
	Engine         string
	Language       string
	Model          string
	APIBaseURL     string
	APIKey         string
	MaxNewTokens   int
	Instruction    string
	TessdataPrefix string

	// VLMServeCmd launches a local inference server per worker instead of
	// calling APIBaseURL.
	VLMServeCmd     string
	VLMServeArgs    []string
	VLMServePort    int
	VLMServeTimeout time.Duration

	GoogleCredentials     string
	GoogleCredentialsFile string

	Timeout       time.Duration
	PDFDPI        int
	SelectionDPI  int
	EmbedPDF      bool
	PrepareImages bool
	FilesDir      string

	DeviceStrategy string
	GPUSelectMode  string
	GPUDevice      int
	GPUMemLimitGB  int
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Pool           string
	Workers        int
	MaxJobDuration time.Duration
	StartTimeout   time.Duration
}

// ReaperConfig holds stale-job reaper configuration
type ReaperConfig struct {
	Schedule string
	Grace    time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// Load reads envFiles (default ".env") into the environment, without
// overriding variables already set, and then builds the configuration.
// Missing env files are ignored.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", "court-ocr.db"),
		},
		OCR: OCRConfig{
			Engine:                getEnv("OCR_ENGINE", engine.KindTesseract),
			Language:              getEnv("OCR_LANGUAGE", "pol+eng"),
			Model:                 getEnv("OCR_MODEL", "Qwen/Qwen2-VL-7B-Instruct"),
			APIBaseURL:            getEnv("OCR_API_BASE_URL", "http://localhost:8000/v1"),
			APIKey:                getEnv("OCR_API_KEY", ""),
			MaxNewTokens:          getEnvAsInt("OCR_MAX_NEW_TOKENS", 4096),
			Instruction:           getEnv("OCR_INSTRUCTION", engine.DefaultInstruction),
			TessdataPrefix:        getEnv("TESSDATA_PREFIX", ""),
			VLMServeCmd:           getEnv("OCR_VLM_SERVE_CMD", ""),
			VLMServeArgs:          strings.Fields(getEnv("OCR_VLM_SERVE_ARGS", "")),
			VLMServePort:          getEnvAsInt("OCR_VLM_SERVE_PORT", 0),
			VLMServeTimeout:       getEnvAsDuration("OCR_VLM_SERVE_TIMEOUT", engine.DefaultServeStartTimeout),
			GoogleCredentials:     getEnv("GOOGLE_CREDENTIALS", ""),
			GoogleCredentialsFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
			Timeout:               getEnvAsDuration("OCR_TIMEOUT", engine.DefaultPageTimeout),
			PDFDPI:                getEnvAsInt("PDF_DPI", raster.DefaultDPI),
			SelectionDPI:          getEnvAsInt("SELECTION_DPI", raster.DefaultSelectionDPI),
			EmbedPDF:              getEnvAsBool("OCR_EMBED_PDF", true),
			PrepareImages:         getEnvAsBool("OCR_PREPARE_IMAGES", false),
			FilesDir:              getEnv("FILES_DIR", "files"),
			DeviceStrategy:        getEnv("DEVICE_STRATEGY", engine.StrategySingle),
			GPUSelectMode:         getEnv("GPU_SELECT_MODE", engine.SelectAuto),
			GPUDevice:             getEnvAsInt("GPU_DEVICE", 0),
			GPUMemLimitGB:         getEnvAsInt("GPU_MEM_LIMIT_GB", 16),
		},
		Worker: WorkerConfig{
			Pool:           getEnv("OCR_POOL", PoolProcess),
			Workers:        getEnvAsInt("OCR_WORKERS", worker.DefaultSize()),
			MaxJobDuration: getEnvAsDuration("OCR_MAX_JOB_DURATION", 2*time.Hour),
			StartTimeout:   getEnvAsDuration("OCR_WORKER_START_TIMEOUT", 15*time.Minute),
		},
		Reaper: ReaperConfig{
			Schedule: getEnv("REAPER_SCHEDULE", "@every 1m"),
			Grace:    getEnvAsDuration("REAPER_GRACE", 10*time.Minute),
		},
		Server: ServerConfig{
			Addr: getEnv("HTTP_ADDR", ":8080"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks values that have a closed set of choices.
func (c *Config) Validate() error {
	switch c.OCR.Engine {
	case engine.KindTesseract, engine.KindVLM, engine.KindGVision:
	default:
		return fmt.Errorf("OCR_ENGINE must be one of %s, %s, %s; got %q",
			engine.KindTesseract, engine.KindVLM, engine.KindGVision, c.OCR.Engine)
	}
	if c.OCR.DeviceStrategy != engine.StrategySingle && c.OCR.DeviceStrategy != engine.StrategyAuto {
		return fmt.Errorf("DEVICE_STRATEGY must be %s or %s; got %q", engine.StrategySingle, engine.StrategyAuto, c.OCR.DeviceStrategy)
	}
	if c.OCR.GPUSelectMode != engine.SelectAuto && c.OCR.GPUSelectMode != engine.SelectFixed {
		return fmt.Errorf("GPU_SELECT_MODE must be %s or %s; got %q", engine.SelectAuto, engine.SelectFixed, c.OCR.GPUSelectMode)
	}
	if c.Worker.Pool != PoolProcess && c.Worker.Pool != PoolLocal {
		return fmt.Errorf("OCR_POOL must be %s or %s; got %q", PoolProcess, PoolLocal, c.Worker.Pool)
	}
	if c.OCR.Engine == engine.KindVLM && c.OCR.APIBaseURL == "" && c.OCR.VLMServeCmd == "" {
		return errors.New("OCR_API_BASE_URL or OCR_VLM_SERVE_CMD is required for the vlm engine")
	}
	if c.OCR.VLMServeCmd != "" && c.OCR.VLMServePort != 0 && c.Worker.Workers > 1 {
		return fmt.Errorf("OCR_VLM_SERVE_PORT=%d would be shared by %d workers; leave it unset to pick a port per worker",
			c.OCR.VLMServePort, c.Worker.Workers)
	}
	return nil
}

// EngineConfig returns the engine factory configuration.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Kind:     c.OCR.Engine,
		Language: c.OCR.Language,
		Tesseract: engine.TesseractConfig{
			TessdataPrefix: c.OCR.TessdataPrefix,
			DPI:            c.OCR.PDFDPI,
		},
		VLM: engine.VLMConfig{
			Model:     c.OCR.Model,
			BaseURL:   c.OCR.APIBaseURL,
			APIKey:    c.OCR.APIKey,
			MaxTokens: c.OCR.MaxNewTokens,
			Serve: engine.VLMServeConfig{
				Command:      c.OCR.VLMServeCmd,
				Args:         c.OCR.VLMServeArgs,
				Port:         c.OCR.VLMServePort,
				StartTimeout: c.OCR.VLMServeTimeout,
			},
		},
		GVision: engine.GVisionConfig{
			CredentialsJSON: c.OCR.GoogleCredentials,
			CredentialsFile: c.OCR.GoogleCredentialsFile,
		},
	}
}

// LoaderConfig returns the device placement configuration.
func (c *Config) LoaderConfig() engine.LoaderConfig {
	return engine.LoaderConfig{
		Strategy:    c.OCR.DeviceStrategy,
		SelectMode:  c.OCR.GPUSelectMode,
		FixedDevice: c.OCR.GPUDevice,
		MemLimitGB:  c.OCR.GPUMemLimitGB,
	}
}

// PrepareOptions returns the image normalisation applied before single-image
// OCR, and whether it is enabled.
func (c *Config) PrepareOptions() (raster.PrepareOptions, bool) {
	return raster.DefaultPrepareOptions(), c.OCR.PrepareImages
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Log.Level)}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
