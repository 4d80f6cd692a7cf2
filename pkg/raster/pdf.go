package raster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jdziat/court-ocr-jobs/pkg/command"
	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

// Default resolutions.
const (
	DefaultDPI          = 200
	DefaultSelectionDPI = 300
)

var (
	rePages    = regexp.MustCompile(`(?m)^Pages:\s+(\d+)\s*$`)
	rePageFile = regexp.MustCompile(`-(\d+)\.png$`)
)

// Rasterizer converts PDF documents with poppler and embeds text layers with ocrmypdf.
type Rasterizer struct {
	runner command.Runner
	logger *slog.Logger
}

// NewRasterizer creates a rasterizer running binaries through runner.
func NewRasterizer(runner command.Runner, logger *slog.Logger) *Rasterizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rasterizer{runner: runner, logger: logger}
}

// PageCount returns the number of pages reported by pdfinfo.
func (r *Rasterizer) PageCount(ctx context.Context, pdfPath string) (int, error) {
	out, _, err := r.runner.Run(ctx, "pdfinfo", pdfPath)
	if err != nil {
		return 0, fmt.Errorf("pdfinfo: %w", err)
	}
	m := rePages.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("pdfinfo: no page count in output for %s", filepath.Base(pdfPath))
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, fmt.Errorf("pdfinfo: %w", err)
	}
	return n, nil
}

// Rasterize renders every page of pdfPath as PNG into outDir at dpi and
// returns the page files in page order.
func (r *Rasterizer) Rasterize(ctx context.Context, pdfPath, outDir string, dpi int) ([]string, error) {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	prefix := filepath.Join(outDir, "page")
	if _, _, err := r.runner.Run(ctx, "pdftoppm", "-r", strconv.Itoa(dpi), "-png", pdfPath, prefix); err != nil {
		return nil, fmt.Errorf("pdftoppm: %w", err)
	}

	files, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, err
	}
	pages := make([]string, 0, len(files))
	for _, f := range files {
		if rePageFile.MatchString(f) {
			pages = append(pages, f)
		}
	}
	sort.Slice(pages, func(i, j int) bool {
		return pageNumber(pages[i]) < pageNumber(pages[j])
	})
	if len(pages) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages for %s", filepath.Base(pdfPath))
	}
	r.logger.Debug("rasterized pdf", "file", filepath.Base(pdfPath), "pages", len(pages), "dpi", dpi)
	return pages, nil
}

// RenderPage renders a single 1-based page of pdfPath as PNG into outDir.
func (r *Rasterizer) RenderPage(ctx context.Context, pdfPath, outDir string, page, dpi int) (string, error) {
	total, err := r.PageCount(ctx, pdfPath)
	if err != nil {
		return "", err
	}
	if page < 1 || page > total {
		return "", fmt.Errorf("%w: strona %d, dokument ma %d stron", core.ErrPageOutOfRange, page, total)
	}
	if dpi <= 0 {
		dpi = DefaultSelectionDPI
	}
	p := strconv.Itoa(page)
	prefix := filepath.Join(outDir, "selection")
	args := []string{"-r", strconv.Itoa(dpi), "-png", "-f", p, "-l", p, "-singlefile", pdfPath, prefix}
	if _, _, err := r.runner.Run(ctx, "pdftoppm", args...); err != nil {
		return "", fmt.Errorf("pdftoppm: %w", err)
	}
	out := prefix + ".png"
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("pdftoppm: page image missing: %w", err)
	}
	return out, nil
}

// EmbedText adds a searchable text layer to pdfPath in place. Pages that
// already carry text are skipped by ocrmypdf.
func (r *Rasterizer) EmbedText(ctx context.Context, pdfPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(pdfPath), ".embed-*.pdf")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	tmp.Close()

	_, _, err = r.runner.Run(ctx, "ocrmypdf", "--skip-text", "--sidecar", os.DevNull, pdfPath, tmpName)
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ocrmypdf: %w", err)
	}
	if info, statErr := os.Stat(tmpName); statErr != nil || info.Size() == 0 {
		os.Remove(tmpName)
		return fmt.Errorf("ocrmypdf: empty output for %s", filepath.Base(pdfPath))
	}
	if err := os.Rename(tmpName, pdfPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func pageNumber(path string) int {
	m := rePageFile.FindStringSubmatch(path)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimLeft(m[1], "0"))
	return n
}
