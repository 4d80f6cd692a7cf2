package security

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "normal message",
			input:    "pdftoppm: exit status 1",
			expected: "pdftoppm: exit status 1",
		},
		{
			name:     "message with newlines",
			input:    "error on\nline 2",
			expected: "error on\nline 2",
		},
		{
			name:     "message with null bytes",
			input:    "error\x00with\x00nulls",
			expected: "errorwithnulls",
		},
		{
			name:     "polish diacritics survive",
			input:    "Błąd: plik źródłowy nie istnieje",
			expected: "Błąd: plik źródłowy nie istnieje",
		},
		{
			name:     "empty message",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeErrorMessage(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestSanitizeErrorMessage_Truncation(t *testing.T) {
	longMessage := strings.Repeat("a", 5000)
	result := SanitizeErrorMessage(longMessage)

	assert.LessOrEqual(t, len(result), MaxErrorMessageLength)
	assert.True(t, strings.HasSuffix(result, "..."))
}

func TestClampPoolSize(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{-1, 1},
		{0, 1},
		{1, 1},
		{2, 2},
		{16, 16},
		{17, 16},
		{500, 16},
	}

	for _, tt := range tests {
		result := ClampPoolSize(tt.input)
		assert.Equal(t, tt.expected, result, "ClampPoolSize(%d)", tt.input)
	}
}

func TestValidateDocumentID(t *testing.T) {
	assert.ErrorIs(t, ValidateDocumentID(0), core.ErrInvalidDocumentID)
	assert.NoError(t, ValidateDocumentID(1))
}

func TestValidateText(t *testing.T) {
	assert.NoError(t, ValidateText("sample text"))
	assert.ErrorIs(t, ValidateText(strings.Repeat("x", MaxTextSize+1)), core.ErrTextTooLarge)
}

func TestValidateSelection(t *testing.T) {
	valid := []core.Selection{
		{Page: 1, X1: 0, Y1: 0, X2: 1, Y2: 1},
		{Page: 3, X1: 0.2, Y1: 0.1, X2: 0.4, Y2: 0.15},
	}
	for _, sel := range valid {
		assert.NoError(t, ValidateSelection(sel), "%+v", sel)
	}

	invalid := []struct {
		sel  core.Selection
		want error
	}{
		{core.Selection{Page: 0, X2: 1, Y2: 1}, core.ErrPageOutOfRange},
		{core.Selection{Page: 1, X1: -0.1, X2: 1, Y2: 1}, core.ErrInvalidSelection},
		{core.Selection{Page: 1, X2: 1.5, Y2: 1}, core.ErrInvalidSelection},
		{core.Selection{Page: 1, X1: 0.5, X2: 0.5, Y2: 1}, core.ErrInvalidSelection},
		{core.Selection{Page: 1, Y1: 0.8, X2: 1, Y2: 0.2}, core.ErrInvalidSelection},
	}
	for _, tt := range invalid {
		err := ValidateSelection(tt.sel)
		assert.True(t, errors.Is(err, tt.want), "%+v: got %v", tt.sel, err)
	}
}

func TestClampInstruction(t *testing.T) {
	assert.Equal(t, "Read it.", ClampInstruction("  Read it.\n"))
	long := strings.Repeat("ż", MaxInstructionLength+10)
	assert.Equal(t, MaxInstructionLength, len([]rune(ClampInstruction(long))))
}

func TestSafeJoin(t *testing.T) {
	p, err := SafeJoin("/srv/files", "abc.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/files", "abc.pdf"), p)

	for _, bad := range []string{"", ".", "..", "../etc/passwd", "sub/abc.pdf"} {
		_, err := SafeJoin("/srv/files", bad)
		assert.Error(t, err, "name %q", bad)
	}
}

func TestConstants(t *testing.T) {
	assert.Equal(t, 4096, MaxErrorMessageLength)
	assert.Equal(t, 16, MaxPoolSize)
	assert.Equal(t, 10<<20, MaxTextSize)
}
