package selection

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/engine"
	"github.com/jdziat/court-ocr-jobs/pkg/raster"
	"github.com/jdziat/court-ocr-jobs/pkg/security"
	"github.com/jdziat/court-ocr-jobs/pkg/storage"
)

const (
	// FragmentInstruction is sent with every cropped fragment.
	FragmentInstruction = "Extract all the text visible in this image fragment. Keep all formatting."

	// FallbackText replaces the text of a fragment the engine could not read.
	FallbackText = "Nie udało się rozpoznać tekstu z fragmentu. Spróbuj zaznaczyć większy obszar."
)

// Recognizer runs OCR on one image.
type Recognizer interface {
	RecognizePage(ctx context.Context, imagePath, instruction string) engine.Page
}

// Service answers selection OCR requests.
type Service struct {
	store       core.Storage
	texts       *storage.TextStore
	raster      *raster.Rasterizer
	rec         Recognizer
	dpi         int
	instruction string
	tempDir     string
	logger      *slog.Logger
}

// Option configures a Service.
type Option interface {
	apply(*Service)
}

type optionFunc func(*Service)

func (f optionFunc) apply(s *Service) { f(s) }

// WithDPI sets the resolution PDF pages are rendered at. Default: 300.
func WithDPI(dpi int) Option {
	return optionFunc(func(s *Service) {
		if dpi > 0 {
			s.dpi = dpi
		}
	})
}

// WithInstruction replaces FragmentInstruction.
func WithInstruction(instr string) Option {
	return optionFunc(func(s *Service) {
		if instr = security.ClampInstruction(instr); instr != "" {
			s.instruction = instr
		}
	})
}

// WithTempDir sets where page renders and fragments are written.
func WithTempDir(dir string) Option {
	return optionFunc(func(s *Service) { s.tempDir = dir })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(s *Service) {
		if l != nil {
			s.logger = l
		}
	})
}

// New creates a selection service.
func New(store core.Storage, texts *storage.TextStore, r *raster.Rasterizer, rec Recognizer, opts ...Option) *Service {
	s := &Service{
		store:       store,
		texts:       texts,
		raster:      r,
		rec:         rec,
		dpi:         raster.DefaultSelectionDPI,
		instruction: FragmentInstruction,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

// Recognize returns the text inside sel. A selection covering the whole page
// returns the document's stored OCR text when there is any. A fragment the
// engine fails on yields FallbackText and the failure in Error, not an error.
func (s *Service) Recognize(ctx context.Context, docID uint, sel core.Selection) (*core.SelectionResult, error) {
	if err := security.ValidateDocumentID(docID); err != nil {
		return nil, err
	}
	if err := security.ValidateSelection(sel); err != nil {
		return nil, err
	}

	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if !doc.IsPDF() && !doc.IsImage() {
		return nil, core.ErrUnsupportedMedia
	}
	src, err := s.texts.Path(doc)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return nil, core.ErrSourceMissing
	} else if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}

	total := 1
	if doc.IsPDF() {
		if total, err = s.raster.PageCount(ctx, src); err != nil {
			return nil, err
		}
	}
	if sel.Page > total {
		return nil, fmt.Errorf("%w: strona %d, dokument ma %d stron", core.ErrPageOutOfRange, sel.Page, total)
	}

	if sel.FullPage() {
		stored, err := s.texts.Read(ctx, docID)
		if err != nil {
			return nil, err
		}
		if text := strings.TrimSpace(stored); text != "" {
			return &core.SelectionResult{Text: text, Page: sel.Page, TotalPages: total, FullPage: true}, nil
		}
	}

	work, err := os.MkdirTemp(s.tempDir, "selection-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	pageImage := src
	if doc.IsPDF() {
		if pageImage, err = s.raster.RenderPage(ctx, src, work, sel.Page, s.dpi); err != nil {
			return nil, err
		}
	}

	img, err := raster.OpenImage(pageImage)
	if err != nil {
		return nil, err
	}
	frag, err := raster.CropSelection(img, sel, raster.SelectionMargin, raster.SelectionMinSide)
	if err != nil {
		return nil, err
	}
	fragPath := filepath.Join(work, "fragment.png")
	if err := raster.SavePNG(frag, fragPath); err != nil {
		return nil, fmt.Errorf("save fragment: %w", err)
	}

	res := &core.SelectionResult{Page: sel.Page, TotalPages: total}
	page := s.rec.RecognizePage(ctx, fragPath, s.instruction)
	if page.Failed {
		s.logger.Error("fragment OCR failed", "doc_id", docID, "page", sel.Page, "error", page.Text)
		res.Text = FallbackText
		res.Error = page.Text
		return res, nil
	}
	res.Text = strings.TrimSpace(page.Text)
	return res, nil
}

// LoadFunc builds a recognizer, typically by loading an OCR engine.
type LoadFunc func(ctx context.Context) (Recognizer, error)

// Lazy defers loading until the first recognition, so a server that never
// serves a selection never loads a model. A failed load is retried on the
// next call.
func Lazy(load LoadFunc) *LazyRecognizer {
	return &LazyRecognizer{load: load}
}

// LazyRecognizer is a Recognizer loaded on first use.
type LazyRecognizer struct {
	load LoadFunc

	mu  sync.Mutex
	rec Recognizer
}

// RecognizePage implements Recognizer. Calls are serialised: the server holds
// a single engine.
func (l *LazyRecognizer) RecognizePage(ctx context.Context, imagePath, instruction string) engine.Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rec == nil {
		rec, err := l.load(ctx)
		if err != nil {
			return engine.Page{Text: engine.ErrorSentinel(err), Failed: true}
		}
		l.rec = rec
	}
	return l.rec.RecognizePage(ctx, imagePath, instruction)
}

// Loaded reports whether the recognizer has been built.
func (l *LazyRecognizer) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec != nil
}
