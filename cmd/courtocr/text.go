package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jdziat/court-ocr-jobs/pkg/security"
	"github.com/jdziat/court-ocr-jobs/pkg/storage"
)

func newTextCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "text",
		Short: "Read or replace the OCR text of a document",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <doc-id>",
		Short: "Print the current OCR text",
		Args:  cobra.ExactArgs(1),
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

			if _, err := store.GetDocument(cmd.Context(), ids[0]); err != nil {
				return err
			}
			text, err := storage.NewTextStore(store, a.cfg.OCR.FilesDir).Read(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <doc-id> [file]",
		Short: "Replace the OCR text with the contents of file (stdin when omitted or -)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[:1])
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(io.LimitReader(in, security.MaxTextSize+1))
			if err != nil {
				return err
			}

			store, err := openStorage(cmd.Context(), a.cfg, storage.RoleWorker, false)
			if err != nil {
				return err
			}
			defer store.Close()

			update, err := storage.NewTextStore(store, a.cfg.OCR.FilesDir).Update(cmd.Context(), ids[0], string(data))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tresult=%d\n", update.Action, update.ResultID)
			return nil
		},
	})
	return cmd
}
