package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/storage"
)

func newSelectCmd(a *app) *cobra.Command {
	sel := core.Selection{Page: 1, X2: 1, Y2: 1}
	cmd := &cobra.Command{
		Use:   "select <doc-id>",
		Short: "Recognize a rectangular region of a document page",
		Long: `Recognize the text of a region of one page. Coordinates are fractions of
the page size in [0, 1], measured from the top-left corner.`,
		Example: `  courtocr select 12 --page 2 --x1 0.1 --y1 0.1 --x2 0.9 --y2 0.3`,
		Args:    cobra.ExactArgs(1),
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

			texts := storage.NewTextStore(store, a.cfg.OCR.FilesDir)
			res, err := newSelection(a, store, texts).Recognize(cmd.Context(), ids[0], sel)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().IntVar(&sel.Page, "page", 1, "1-based page number")
	cmd.Flags().Float64Var(&sel.X1, "x1", 0, "Left edge")
	cmd.Flags().Float64Var(&sel.Y1, "y1", 0, "Top edge")
	cmd.Flags().Float64Var(&sel.X2, "x2", 1, "Right edge")
	cmd.Flags().Float64Var(&sel.Y2, "y2", 1, "Bottom edge")
	return cmd
}
