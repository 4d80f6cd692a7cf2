package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jdziat/court-ocr-jobs/pkg/worker"
)

func newWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one OCR worker process (started by serve)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the pool protocol.
			logger := a.cfg.NewLogger(cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()
			return worker.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), runtimeInit(a.cfg, logger, false), logger)
		},
	}
}
