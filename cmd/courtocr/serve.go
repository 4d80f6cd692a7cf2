package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/court-ocr-jobs/pkg/api"
	"github.com/jdziat/court-ocr-jobs/pkg/queue"
	"github.com/jdziat/court-ocr-jobs/pkg/schedule"
	"github.com/jdziat/court-ocr-jobs/pkg/stats"
	"github.com/jdziat/court-ocr-jobs/pkg/storage"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the OCR queue, the stale-job reaper and the HTTP API",
		Long: `Run the dispatch loop feeding the worker pool, the stale-job reaper, the
stats collector and the HTTP API until interrupted.

On SIGINT or SIGTERM the server stops accepting requests and waits for
running OCR jobs before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides HTTP_ADDR)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	logger := a.logger

	store, err := openStorage(ctx, a.cfg, storage.RoleServer, true)
	if err != nil {
		return err
	}
	defer store.Close()

	statsStore := stats.NewGormStorage(store.DB())
	if err := statsStore.MigrateStats(ctx); err != nil {
		return fmt.Errorf("migrate stats: %w", err)
	}

	pool, closeRuntime, err := newPool(ctx, a)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeRuntime(); err != nil {
			logger.Warn("closing OCR runtime failed", "error", err)
		}
	}()

	q := queue.New(pool, store, queue.WithLogger(logger))
	texts := storage.NewTextStore(store, a.cfg.OCR.FilesDir)

	sched, err := schedule.Parse(a.cfg.Reaper.Schedule)
	if err != nil {
		return fmt.Errorf("REAPER_SCHEDULE: %w", err)
	}
	reaper := schedule.NewReaper(store, q,
		schedule.WithSchedule(sched),
		schedule.WithGrace(a.cfg.Reaper.Grace),
		schedule.WithLogger(logger),
	)
	collector := stats.NewCollector(q, statsStore, queue.Name, stats.WithLogger(logger))

	srv := &http.Server{
		Addr: a.cfg.Server.Addr,
		Handler: api.Handler(store,
			api.WithRunner(q),
			api.WithTexts(texts),
			api.WithSelector(newSelection(a, store, texts)),
			api.WithStats(statsStore),
			api.WithLogger(logger),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Sweep records a previous process left behind before serving.
	if n, err := reaper.Reap(ctx); err != nil {
		logger.Warn("initial stale-job sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("failed jobs interrupted by restart", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(q.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(reaper.Start(gctx)) })
	g.Go(func() error {
		collector.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	logger.Info("shutting down, waiting for running OCR jobs")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Worker.MaxJobDuration)
	defer cancel()
	if err := q.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("queue shutdown: %w", err))
	}
	return runErr
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
