//go:build !cgo

package engine

import (
	"context"
	"errors"
	"strings"
)

// TesseractConfig configures the local Tesseract backend.
type TesseractConfig struct {
	Language       string
	TessdataPrefix string
	DPI            int
}

var errNoCgo = errors.New("tesseract backend requires a cgo build")

func splitLanguages(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "+") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func newTesseractFactory(TesseractConfig) Factory {
	return func(context.Context, Placement) (Engine, error) {
		return nil, errNoCgo
	}
}
