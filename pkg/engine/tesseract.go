//go:build cgo

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractConfig configures the local Tesseract backend.
type TesseractConfig struct {
	// Language uses Tesseract's plus-joined form, e.g. "pol+eng".
	Language string

	// TessdataPrefix overrides the traineddata directory.
	TessdataPrefix string

	// DPI is passed as user_defined_dpi when set.
	DPI int
}

// Tesseract recognises text with a single long-lived gosseract client.
type Tesseract struct {
	client   *gosseract.Client
	lastConf float64
	hasConf  bool
}

// NewTesseract creates the client and applies language settings.
func NewTesseract(cfg TesseractConfig) (*Tesseract, error) {
	c := gosseract.NewClient()
	if cfg.TessdataPrefix != "" {
		if err := c.SetTessdataPrefix(cfg.TessdataPrefix); err != nil {
			c.Close()
			return nil, fmt.Errorf("set tessdata path: %w", err)
		}
	}
	if langs := splitLanguages(cfg.Language); len(langs) > 0 {
		if err := c.SetLanguage(langs...); err != nil {
			c.Close()
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	if cfg.DPI > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(cfg.DPI)); err != nil {
			c.Close()
			return nil, fmt.Errorf("set dpi: %w", err)
		}
	}
	if err := c.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		c.Close()
		return nil, fmt.Errorf("set page segmentation: %w", err)
	}
	return &Tesseract{client: c}, nil
}

// Recognize implements Engine. Tesseract takes no instruction.
func (t *Tesseract) Recognize(ctx context.Context, imagePath, _ string) (string, error) {
	t.hasConf = false
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := t.client.SetImage(imagePath); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := t.client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}

	boxes, err := t.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err == nil && len(boxes) > 0 {
		var sum float64
		for _, b := range boxes {
			sum += b.Confidence
		}
		t.lastConf = clamp01(sum / float64(len(boxes)) / 100.0)
		t.hasConf = true
	}
	return text, nil
}

// LastConfidence implements Scorer with the mean word confidence.
func (t *Tesseract) LastConfidence() (float64, bool) {
	return t.lastConf, t.hasConf
}

// Close implements Engine.
func (t *Tesseract) Close() error {
	return t.client.Close()
}

func splitLanguages(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "+") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// newTesseractFactory ignores the placement: Tesseract runs on the CPU.
func newTesseractFactory(cfg TesseractConfig) Factory {
	return func(ctx context.Context, _ Placement) (Engine, error) {
		return NewTesseract(cfg)
	}
}
