package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jdziat/court-ocr-jobs/pkg/command"
	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

// Device strategies.
const (
	StrategySingle = "single"
	StrategyAuto   = "auto"
)

// Device selection modes for StrategySingle.
const (
	SelectAuto  = "auto"
	SelectFixed = "fixed"
)

// LoaderConfig configures model placement.
type LoaderConfig struct {
	// Strategy is StrategySingle (one chosen device) or StrategyAuto.
	Strategy string

	// SelectMode picks the single device: SelectAuto queries nvidia-smi,
	// SelectFixed uses FixedDevice.
	SelectMode  string
	FixedDevice int

	// MemLimitGB is the per-device memory cap and the free memory a device
	// needs to be considered.
	MemLimitGB int
}

// Loader loads an engine once per worker with placement fallbacks.
type Loader struct {
	factory Factory
	runner  command.Runner
	cfg     LoaderConfig
	logger  *slog.Logger
}

// NewLoader creates a loader. runner is used for nvidia-smi and may be nil
// when no device query is wanted.
func NewLoader(factory Factory, runner command.Runner, cfg LoaderConfig, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategySingle
	}
	if cfg.SelectMode == "" {
		cfg.SelectMode = SelectAuto
	}
	return &Loader{factory: factory, runner: runner, cfg: cfg, logger: logger}
}

// Load builds the engine. With the single-device strategy it pins the model
// to the chosen device; when no device qualifies or the model does not fit
// it falls back to automatic placement, and if that runs out of memory it
// retries once without a memory cap.
func (l *Loader) Load(ctx context.Context) (Engine, Placement, error) {
	devs, queryErr := l.devices(ctx)

	if l.cfg.Strategy == StrategySingle {
		p, err := l.singlePlacement(devs, queryErr)
		if err == nil {
			eng, loadErr := l.load(ctx, p)
			if loadErr == nil {
				return eng, p, nil
			}
			if !errors.Is(loadErr, core.ErrOutOfMemory) {
				return nil, p, loadErr
			}
			l.logger.Warn("model does not fit on selected device, falling back to auto placement",
				"placement", p.String(), "error", loadErr)
		} else {
			l.logger.Warn("no single device available, falling back to auto placement", "error", err)
		}
	}

	p := Placement{Device: AutoDevice, MemLimitGB: l.cfg.MemLimitGB, DeviceMB: smallestTotalMB(devs)}
	eng, err := l.load(ctx, p)
	if err == nil {
		return eng, p, nil
	}
	if !errors.Is(err, core.ErrOutOfMemory) || p.MemLimitGB == 0 {
		return nil, p, err
	}

	l.logger.Warn("auto placement out of memory, retrying without memory cap", "error", err)
	p.MemLimitGB = 0
	eng, err = l.load(ctx, p)
	if err != nil {
		return nil, p, err
	}
	return eng, p, nil
}

// devices reads the accelerators once per Load.
func (l *Loader) devices(ctx context.Context) ([]Device, error) {
	if l.runner == nil {
		return nil, core.ErrNoDevice
	}
	devs, err := QueryDevices(ctx, l.runner)
	if err != nil {
		if command.NotFound(err) {
			return nil, fmt.Errorf("%w: nvidia-smi not installed", core.ErrNoDevice)
		}
		return nil, err
	}
	return devs, nil
}

func (l *Loader) singlePlacement(devs []Device, queryErr error) (Placement, error) {
	p := Placement{MemLimitGB: l.cfg.MemLimitGB}

	switch l.cfg.SelectMode {
	case SelectFixed:
		p.Device = l.cfg.FixedDevice
		for _, d := range devs {
			if d.Index == p.Device {
				p.DeviceMB = d.TotalMB
			}
		}
	default:
		if queryErr != nil {
			return p, queryErr
		}
		dev, err := PickDevice(devs, l.cfg.MemLimitGB*1024)
		if err != nil {
			return p, err
		}
		l.logger.Info("selected accelerator", "device", dev.Index, "free_mb", dev.FreeMB, "max_sm_mhz", dev.MaxSMMHz)
		p.Device = dev.Index
		p.DeviceMB = dev.TotalMB
	}
	return p, nil
}

func (l *Loader) load(ctx context.Context, p Placement) (eng Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	l.logger.Info("loading OCR engine", "placement", p.String())
	eng, err = l.factory(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("load engine on %s: %w", p, err)
	}
	return eng, nil
}
