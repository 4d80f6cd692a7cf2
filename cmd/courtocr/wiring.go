package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/jdziat/court-ocr-jobs/internal/config"
	"github.com/jdziat/court-ocr-jobs/pkg/command"
	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/engine"
	"github.com/jdziat/court-ocr-jobs/pkg/pipeline"
	"github.com/jdziat/court-ocr-jobs/pkg/raster"
	"github.com/jdziat/court-ocr-jobs/pkg/selection"
	"github.com/jdziat/court-ocr-jobs/pkg/storage"
	"github.com/jdziat/court-ocr-jobs/pkg/worker"
)

func openStorage(ctx context.Context, cfg *config.Config, role storage.Role, migrate bool) (*storage.GormStorage, error) {
	return storage.Open(ctx, cfg.Database.URL, storage.OpenConfig{Role: role, Migrate: migrate})
}

// engineLoader builds the configured engine with device placement. A
// runner that can also start processes launches locally served models.
func engineLoader(cfg *config.Config, runner command.Runner, logger *slog.Logger) (*engine.Loader, error) {
	ec := cfg.EngineConfig()
	if s, ok := runner.(command.Starter); ok {
		ec.VLM.Serve.Starter = s
	}
	factory, err := engine.NewFactory(ec)
	if err != nil {
		return nil, err
	}
	return engine.NewLoader(factory, runner, cfg.LoaderConfig(), logger), nil
}

func reloadWith(loader *engine.Loader) engine.ReloadFunc {
	return func(ctx context.Context) (engine.Engine, error) {
		eng, _, err := loader.Load(ctx)
		return eng, err
	}
}

// newExecutor wraps eng so that after an abandoned call the remaining pages
// run on a freshly loaded engine.
func newExecutor(cfg *config.Config, eng engine.Engine, loader *engine.Loader, logger *slog.Logger) *engine.Executor {
	return engine.NewExecutor(eng,
		engine.WithTimeout(cfg.OCR.Timeout),
		engine.WithInstruction(cfg.OCR.Instruction),
		engine.WithReload(reloadWith(loader)),
		engine.WithLogger(logger),
	)
}

func pipelineOptions(cfg *config.Config, logger *slog.Logger) []pipeline.Option {
	opts := []pipeline.Option{
		pipeline.WithDPI(cfg.OCR.PDFDPI),
		pipeline.WithEmbed(cfg.OCR.EmbedPDF),
		pipeline.WithInstruction(cfg.OCR.Instruction),
		pipeline.WithLogger(logger),
	}
	if prep, ok := cfg.PrepareOptions(); ok {
		opts = append(opts, pipeline.WithPrepare(prep))
	}
	return opts
}

// runtimeInit returns the initializer of an OCR worker runtime. A runtime
// whose executor abandoned a call keeps working on a reloaded engine; a
// worker process additionally retires after that job so the stuck call's
// memory goes with it. The local pool shares one runtime and never retires.
func runtimeInit(cfg *config.Config, logger *slog.Logger, local bool) worker.InitFunc {
	return func(ctx context.Context) (*worker.Runtime, error) {
		role := storage.RoleWorker
		if local {
			role = storage.RoleServer
		}
		store, err := openStorage(ctx, cfg, role, false)
		if err != nil {
			return nil, err
		}
		shared := worker.NewRetryingStorage(store, worker.DefaultBackoff(), logger)
		texts := storage.NewTextStore(shared, cfg.OCR.FilesDir)

		runner := command.NewExecRunner(logger)
		loader, err := engineLoader(cfg, runner, logger)
		if err != nil {
			store.Close()
			return nil, core.NoRetry(err)
		}
		eng, placement, err := loader.Load(ctx)
		if err != nil {
			store.Close()
			return nil, core.NoRetry(fmt.Errorf("load OCR engine: %w", err))
		}
		executor := newExecutor(cfg, eng, loader, logger)

		p := pipeline.New(shared, texts, raster.NewRasterizer(runner, logger), executor, pipelineOptions(cfg, logger)...)

		rt := &worker.Runtime{
			Run:       p.Run,
			Placement: placement.String(),
			Close: func() error {
				return errors.Join(executor.Close(), store.Close())
			},
		}
		if !local {
			rt.Poisoned = executor.Poisoned
		}
		return rt, nil
	}
}

// newPool builds the configured worker pool. The local pool runs jobs on
// goroutines of this process with one shared runtime.
func newPool(ctx context.Context, a *app) (worker.Pool, func() error, error) {
	opts := []worker.PoolOption{
		worker.Size(a.cfg.Worker.Workers),
		worker.WithMaxJobDuration(a.cfg.Worker.MaxJobDuration),
		worker.WithStartTimeout(a.cfg.Worker.StartTimeout),
		worker.WithLogger(a.logger),
	}

	if a.cfg.Worker.Pool == config.PoolLocal {
		rt, err := runtimeInit(a.cfg, a.logger, true)(ctx)
		if err != nil {
			return nil, nil, err
		}
		a.logger.Info("OCR engine loaded in process", "placement", rt.Placement)
		return worker.NewLocalPool(rt.Run, opts...), rt.Close, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("locate executable: %w", err)
	}
	envFile := a.envFile
	cmd := func() *exec.Cmd {
		c := exec.Command(exe, "worker", "--env-file", envFile)
		c.Env = os.Environ()
		return c
	}
	return worker.NewProcessPool(cmd, opts...), func() error { return nil }, nil
}

// newSelection builds region OCR. The engine loads on the first request.
func newSelection(a *app, store core.Storage, texts *storage.TextStore) *selection.Service {
	runner := command.NewExecRunner(a.logger)
	lazy := selection.Lazy(func(ctx context.Context) (selection.Recognizer, error) {
		loader, err := engineLoader(a.cfg, runner, a.logger)
		if err != nil {
			return nil, err
		}
		eng, placement, err := loader.Load(ctx)
		if err != nil {
			return nil, err
		}
		a.logger.Info("selection OCR engine loaded", "placement", placement.String())
		return newExecutor(a.cfg, eng, loader, a.logger), nil
	})
	return selection.New(store, texts, raster.NewRasterizer(runner, a.logger), lazy,
		selection.WithDPI(a.cfg.OCR.SelectionDPI),
		selection.WithLogger(a.logger),
	)
}
