package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/queue"
	"github.com/jdziat/court-ocr-jobs/pkg/storage"
)

func parseIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	for _, arg := range args {
		n, err := strconv.ParseUint(arg, 10, 0)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("%w: %q", core.ErrInvalidDocumentID, arg)
		}
		ids = append(ids, uint(n))
	}
	return ids, nil
}

func newEnqueueCmd(a *app) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "enqueue <doc-id>...",
		Short: "Run OCR for documents",
		Long: `Run OCR for the given documents.

With --server the request goes to a running courtocr serve instance, which
owns the in-flight set. Without it the documents are processed by a worker
pool started for this command, and the command waits for every job.`,
		Example: `  courtocr enqueue 12 13
  courtocr enqueue --server http://localhost:8080 12`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if server != "" {
				return enqueueRemote(cmd.Context(), cmd.OutOrStdout(), server, ids)
			}
			return enqueueLocal(cmd.Context(), a, cmd.OutOrStdout(), ids)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Base URL of a running courtocr server")
	return cmd
}

func enqueueRemote(ctx context.Context, out io.Writer, server string, ids []uint) error {
	client := &http.Client{Timeout: 30 * time.Second}
	for _, id := range ids {
		target, err := url.JoinPath(server, "api", "document", strconv.FormatUint(uint64(id), 10), "run_ocr")
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request run for %d: %w", id, err)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("request run for %d: %s: %s", id, resp.Status, strings.TrimSpace(string(body)))
		}
		fmt.Fprintf(out, "%d\tqueued\n", id)
	}
	return nil
}

func enqueueLocal(ctx context.Context, a *app, out io.Writer, ids []uint) error {
	store, err := openStorage(ctx, a.cfg, storage.RoleServer, true)
	if err != nil {
		return err
	}
	defer store.Close()

	pool, closeRuntime, err := newPool(ctx, a)
	if err != nil {
		return err
	}
	defer closeRuntime()

	q := queue.New(pool, store, queue.WithLogger(a.logger))
	results := make(chan core.JobResult, len(ids))
	q.OnComplete(func(_ context.Context, res core.JobResult) { results <- res })
	q.OnFail(func(_ context.Context, id uint, err error) {
		results <- core.JobResult{DocumentID: id, Error: err.Error()}
	})

	loopCtx, cancel := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = q.Start(loopCtx)
	}()

	want := 0
	for _, id := range ids {
		queued, err := q.RequestRun(ctx, id)
		if err != nil {
			fmt.Fprintf(out, "%d\terror\t%v\n", id, err)
			continue
		}
		if queued {
			want++
		}
	}

	var failed int
	for ; want > 0; want-- {
		select {
		case res := <-results:
			if res.Success {
				fmt.Fprintf(out, "%d\tdone\tresult=%d\n", res.DocumentID, res.ResultID)
			} else {
				failed++
				fmt.Fprintf(out, "%d\tfail\t%s\n", res.DocumentID, res.Error)
			}
		case <-ctx.Done():
			want = 0
		}
	}

	cancel()
	<-loopDone
	shutdownCtx, stop := context.WithTimeout(context.Background(), a.cfg.Worker.MaxJobDuration)
	defer stop()
	if err := q.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(ids))
	}
	return ctx.Err()
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <doc-id>...",
		Short: "Print the OCR job record of documents as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			store, err := openStorage(cmd.Context(), a.cfg, storage.RoleWorker, false)
			if err != nil {
				return err
			}
			defer store.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			var errs []error
			for _, id := range ids {
				state, err := store.GetJobStatus(cmd.Context(), id)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if err := enc.Encode(struct {
					DocumentID uint `json:"doc_id"`
					*core.JobState
				}{id, state}); err != nil {
					return err
				}
			}
			return errors.Join(errs...)
		},
	}
}
