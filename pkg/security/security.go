// Package security provides validation, sanitization, and limits for the OCR pipeline.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

// Limits applied to stored and caller supplied values.
const (
	// MaxErrorMessageLength caps a stored failure message, in runes.
	MaxErrorMessageLength = 4096

	// MaxPoolSize is the hard limit for OCR worker processes.
	// Each worker holds its own model instance in accelerator memory.
	MaxPoolSize = 16

	// MaxTextSize is the maximum size in bytes of a manually supplied OCR text (10MB)
	MaxTextSize = 10 << 20

	// MaxInstructionLength is the maximum length of a caller supplied OCR instruction
	MaxInstructionLength = 4096
)

// SanitizeErrorMessage prepares an error for the ocr_progress_info column.
// Control characters other than tab and line breaks are dropped and the
// result is cut to MaxErrorMessageLength runes, the last three being "...".
func SanitizeErrorMessage(msg string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r == '\t', r == '\n', r == '\r':
			return r
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, msg)

	if utf8.RuneCountInString(clean) <= MaxErrorMessageLength {
		return clean
	}
	runes := []rune(clean)[:MaxErrorMessageLength-3]
	return string(runes) + "..."
}

// ClampPoolSize ensures the worker pool size is within limits
func ClampPoolSize(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxPoolSize {
		return MaxPoolSize
	}
	return n
}

// ValidateDocumentID rejects the zero id
func ValidateDocumentID(id uint) error {
	if id == 0 {
		return core.ErrInvalidDocumentID
	}
	return nil
}

// ValidateText enforces the manual text size limit
func ValidateText(text string) error {
	if len(text) > MaxTextSize {
		return core.ErrTextTooLarge
	}
	return nil
}

// ValidateSelection checks the page number and that the rectangle is a
// non-empty region inside the unit square.
func ValidateSelection(sel core.Selection) error {
	if sel.Page < 1 {
		return fmt.Errorf("%w: page %d", core.ErrPageOutOfRange, sel.Page)
	}
	for _, v := range []float64{sel.X1, sel.Y1, sel.X2, sel.Y2} {
		if v < 0 || v > 1 {
			return core.ErrInvalidSelection
		}
	}
	if sel.X2 <= sel.X1 || sel.Y2 <= sel.Y1 {
		return core.ErrInvalidSelection
	}
	return nil
}

// ClampInstruction trims an OCR instruction and caps its length
func ClampInstruction(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > MaxInstructionLength {
		s = string([]rune(s)[:MaxInstructionLength])
	}
	return s
}

// SafeJoin resolves a stored file name inside dir.
// Names that would escape dir are rejected.
func SafeJoin(dir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("ocr: unsafe stored file name %q", name)
	}
	return filepath.Join(dir, name), nil
}
