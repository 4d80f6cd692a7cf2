package pipeline

import (
	"log/slog"

	"github.com/jdziat/court-ocr-jobs/pkg/raster"
)

// Option configures a Pipeline.
type Option interface {
	apply(*Pipeline)
}

type optionFunc func(*Pipeline)

func (f optionFunc) apply(p *Pipeline) { f(p) }

// WithDPI sets the PDF rasterisation resolution.
func WithDPI(dpi int) Option {
	return optionFunc(func(p *Pipeline) {
		if dpi > 0 {
			p.dpi = dpi
		}
	})
}

// WithEmbed toggles re-embedding recognised text into source PDFs.
func WithEmbed(on bool) Option {
	return optionFunc(func(p *Pipeline) {
		p.embed = on
	})
}

// WithPrepare enables image normalisation before single-image OCR.
func WithPrepare(opts raster.PrepareOptions) Option {
	return optionFunc(func(p *Pipeline) {
		p.prepare = &opts
	})
}

// WithInstruction sets the instruction sent with every page.
func WithInstruction(s string) Option {
	return optionFunc(func(p *Pipeline) {
		p.instruction = s
	})
}

// WithTempDir sets where page images are rendered. Default: os.TempDir.
func WithTempDir(dir string) Option {
	return optionFunc(func(p *Pipeline) {
		p.tempDir = dir
	})
}

// WithLogger sets the logger used outside a job context.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	})
}
