package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/engine"
	"github.com/jdziat/court-ocr-jobs/pkg/jobctx"
	"github.com/jdziat/court-ocr-jobs/pkg/postprocess"
	"github.com/jdziat/court-ocr-jobs/pkg/raster"
	"github.com/jdziat/court-ocr-jobs/pkg/storage"
)

// Stage texts shown to users while a job runs.
const (
	InfoInit      = "Inicjalizacja procesu OCR"
	InfoPrepare   = "Przygotowanie obrazu do OCR"
	InfoClean     = "Czyszczenie tekstu"
	InfoConvert   = "Konwersja PDF na obrazy"
	InfoSave      = "Zapisywanie wyników"
	InfoEmbed     = "Osadzanie tekstu w pliku PDF"
	InfoDone      = "OCR zakończony"
	FailurePrefix = core.FailurePrefix
)

// Recognizer is the page OCR executor the pipeline drives.
type Recognizer interface {
	RecognizePage(ctx context.Context, imagePath, instruction string) engine.Page
}

// Pipeline runs OCR jobs inside one worker.
type Pipeline struct {
	store       core.Storage
	texts       *storage.TextStore
	raster      *raster.Rasterizer
	recognizer  Recognizer
	dpi         int
	embed       bool
	prepare     *raster.PrepareOptions
	instruction string
	tempDir     string
	logger      *slog.Logger
}

// New creates a pipeline.
func New(store core.Storage, texts *storage.TextStore, r *raster.Rasterizer, rec Recognizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		texts:      texts,
		raster:     r,
		recognizer: rec,
		dpi:        raster.DefaultDPI,
		embed:      true,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(p)
	}
	return p
}

// Run performs one OCR run for docID. Failures are written to the job
// record and returned in the result, never raised.
func (p *Pipeline) Run(ctx context.Context, docID uint) (res core.JobResult) {
	res.DocumentID = docID
	logger := jobctx.Logger(ctx, p.logger.With("doc_id", docID))

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			p.fail(ctx, logger, docID, err)
			res = core.JobResult{DocumentID: docID, Error: err.Error()}
		}
	}()

	resultID, err := p.run(ctx, logger, docID)
	if err != nil {
		p.fail(ctx, logger, docID, err)
		res.Error = core.ErrorMessage(err)
		return res
	}
	res.Success = true
	res.ResultID = resultID
	return res
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, docID uint) (uint, error) {
	if err := p.store.UpdateStatus(ctx, docID, core.Stage(core.StatusRunning, InfoInit, 0.0)); err != nil {
		if errors.Is(err, core.ErrDocumentNotFound) {
			return 0, core.NoRetry(err)
		}
		return 0, fmt.Errorf("mark running: %w", err)
	}

	doc, err := p.store.GetDocument(ctx, docID)
	if err != nil {
		return 0, core.NoRetry(err)
	}
	src, err := p.texts.Path(doc)
	if err != nil {
		return 0, core.NoRetry(err)
	}
	if _, err := os.Stat(src); err != nil {
		return 0, core.NoRetry(fmt.Errorf("%w: %s", core.ErrSourceMissing, doc.StoredFilename))
	}

	work, err := os.MkdirTemp(p.tempDir, "ocr-job-*")
	if err != nil {
		return 0, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	var out *outcome
	switch {
	case doc.IsImage():
		logger.Info("processing image", "file", doc.OriginalFilename)
		out = p.runImage(ctx, logger, docID, src, work)
	case doc.IsPDF():
		logger.Info("processing pdf", "file", doc.OriginalFilename)
		out, err = p.runPDF(ctx, logger, docID, src, work)
		if err != nil {
			return 0, err
		}
	default:
		return 0, core.NoRetry(fmt.Errorf("%w: %s", core.ErrUnsupportedMedia, doc.MimeType))
	}

	if out.pages > 0 && out.failed == out.pages {
		logger.Warn("every page failed OCR", "failed_pages", out.failed)
	} else if out.failed > 0 {
		logger.Warn("some pages failed OCR", "failed_pages", out.failed, "total_pages", out.pages)
	}

	p.progress(ctx, logger, docID, core.Stage(core.StatusRunning, InfoSave, 0.9))
	result, err := p.texts.Save(ctx, doc, out.text, out.confidence, doc.Stem()+".txt")
	if err != nil {
		return 0, fmt.Errorf("persist result: %w", err)
	}

	if doc.IsPDF() && p.embed {
		p.progress(ctx, logger, docID, core.Stage(core.StatusRunning, InfoEmbed, 0.95))
		if err := p.raster.EmbedText(ctx, src); err != nil {
			logger.Warn("embedding text into pdf failed", "error", err)
		}
	}

	done := core.Stage(core.StatusDone, InfoDone, 1.0).WithConfidence(out.confidence)
	if doc.IsPDF() {
		done = done.Pages(out.pages, out.pages)
	}
	if err := p.store.UpdateStatus(ctx, docID, done); err != nil {
		return 0, fmt.Errorf("mark done: %w", err)
	}

	logger.Info("OCR finished", "result_id", result.ID, "confidence", out.confidence, "pages", out.pages)
	return result.ID, nil
}

// outcome is the aggregated text of a document.
type outcome struct {
	text       string
	confidence float64
	pages      int
	failed     int
}

func (p *Pipeline) runImage(ctx context.Context, logger *slog.Logger, docID uint, src, work string) *outcome {
	p.progress(ctx, logger, docID, core.Stage(core.StatusRunning, InfoPrepare, 0.3))

	img := src
	if p.prepare != nil {
		prepared := filepath.Join(work, "prepared.png")
		if err := raster.PrepareImage(src, prepared, *p.prepare); err != nil {
			logger.Warn("image preparation failed, using original", "error", err)
		} else {
			img = prepared
		}
	}

	page := p.recognizer.RecognizePage(ctx, img, p.instruction)

	p.progress(ctx, logger, docID, core.Stage(core.StatusRunning, InfoClean, 0.8))
	text := postprocess.Clean(page.Text)
	out := &outcome{text: text, confidence: pageConfidence(page, text)}
	if page.Failed {
		out.failed = 1
	}
	return out
}

func (p *Pipeline) runPDF(ctx context.Context, logger *slog.Logger, docID uint, src, work string) (*outcome, error) {
	p.progress(ctx, logger, docID, core.Stage(core.StatusRunning, InfoConvert, 0.1))

	images, err := p.raster.Rasterize(ctx, src, work, p.dpi)
	if err != nil {
		return nil, fmt.Errorf("convert pdf: %w", err)
	}
	total := len(images)
	p.progress(ctx, logger, docID, core.Stage(core.StatusRunning, fmt.Sprintf("Wykryto %d stron", total), 0.2).Pages(0, total))

	out := &outcome{pages: total}
	var b strings.Builder
	var confSum float64

	for i, img := range images {
		n := i + 1
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress := 0.2 + 0.7*float64(n)/float64(total)
		p.progress(ctx, logger, docID,
			core.Stage(core.StatusRunning, fmt.Sprintf("Przetwarzanie strony %d/%d", n, total), progress).Pages(n, total))

		text, conf, failed := p.page(ctx, logger, n, img)
		if failed {
			out.failed++
		}
		confSum += conf

		fmt.Fprintf(&b, "\n\n=== Strona %d ===\n\n", n)
		b.WriteString(text)
	}

	out.text = strings.TrimSpace(b.String())
	if total > 0 {
		out.confidence = confSum / float64(total)
	}
	return out, nil
}

// page recognises one PDF page. A panic while handling the page becomes an
// inline error marker with zero confidence.
func (p *Pipeline) page(ctx context.Context, logger *slog.Logger, n int, img string) (text string, conf float64, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("page processing panicked", "page", n, "panic", r)
			text, conf, failed = PageErrorMarker(n, fmt.Errorf("panic: %v", r)), 0, true
		}
	}()

	page := p.recognizer.RecognizePage(ctx, img, p.instruction)
	text = postprocess.Clean(page.Text)
	conf = pageConfidence(page, text)
	logger.Debug("page recognised", "page", n, "chars", len(text), "confidence", conf, "failed", page.Failed)
	return text, conf, page.Failed
}

// PageErrorMarker is the text recorded for page n when handling it failed.
func PageErrorMarker(n int, err error) string {
	return fmt.Sprintf("[Błąd OCR dla strony %d: %v]", n, err)
}

// pageConfidence scores cleaned page text. Failed pages score 0; engine
// scores, when reported, are averaged with the text heuristic.
func pageConfidence(page engine.Page, cleaned string) float64 {
	if page.Failed || engine.IsFailure(cleaned) {
		return 0
	}
	c := postprocess.EstimateConfidence(cleaned)
	if page.HasConfidence {
		c = (c + page.EngineConfidence) / 2
	}
	return c
}

// progress writes an intermediate stage. Failures are logged only; the
// final status write decides the job outcome.
func (p *Pipeline) progress(ctx context.Context, logger *slog.Logger, docID uint, u core.StatusUpdate) {
	if err := p.store.UpdateStatus(ctx, docID, u); err != nil {
		logger.Warn("progress update failed", "info", u.Info, "error", err)
	}
}

func (p *Pipeline) fail(ctx context.Context, logger *slog.Logger, docID uint, err error) {
	logger.Error("OCR job failed", "error", err, "fatal", core.IsFatal(err))
	u := core.StatusUpdate{Status: core.StatusFail, Info: FailurePrefix + core.ErrorMessage(err)}
	if werr := p.store.UpdateStatus(context.WithoutCancel(ctx), docID, u); werr != nil {
		logger.Error("recording job failure failed", "error", werr)
	}
}
