package engine

import (
	"fmt"
)

// Config selects and configures a backend.
type Config struct {
	Kind      string
	Language  string
	Tesseract TesseractConfig
	VLM       VLMConfig
	GVision   GVisionConfig
}

// NewFactory returns the factory for cfg.Kind.
func NewFactory(cfg Config) (Factory, error) {
	switch cfg.Kind {
	case KindTesseract, "":
		tc := cfg.Tesseract
		if tc.Language == "" {
			tc.Language = cfg.Language
		}
		return newTesseractFactory(tc), nil
	case KindVLM:
		return newVLMFactory(cfg.VLM), nil
	case KindGVision:
		gc := cfg.GVision
		if gc.Language == "" {
			gc.Language = cfg.Language
		}
		return newGVisionFactory(gc), nil
	default:
		return nil, fmt.Errorf("unknown OCR engine %q", cfg.Kind)
	}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
