package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jdziat/court-ocr-jobs/internal/config"
)

var version = "0.1.0"

// app carries what every subcommand needs once flags are parsed.
type app struct {
	envFile string
	cfg     *config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "courtocr",
		Short: "OCR job service for court documents",
		Long: `courtocr queues court documents for OCR, runs them in a bounded pool of
worker processes and serves job progress and OCR text over HTTP.

Configuration comes from the environment and an optional .env file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.envFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.NewLogger(cmd.ErrOrStderr())
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "Path to a .env file (missing file is ignored)")

	root.AddCommand(
		newServeCmd(a),
		newWorkerCmd(a),
		newEnqueueCmd(a),
		newStatusCmd(a),
		newTextCmd(a),
		newSelectCmd(a),
		newMigrateCmd(a),
	)
	return root
}
