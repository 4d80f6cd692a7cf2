package postprocess

import (
	"regexp"
	"strings"
)

var (
	reCRLF       = regexp.MustCompile(`\r\n?`)
	reTabs       = regexp.MustCompile(`[\t\x{00A0}\x{2007}\x{202F}]+`)
	reInvisible  = regexp.MustCompile(`[\x{200B}\x{200C}\x{200D}\x{2060}\x{FEFF}]`)
	reControl    = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	reMultiSpace = regexp.MustCompile(` {2,}`)
	reMultiBlank = regexp.MustCompile(`\n{3,}`)

	// vision models like to wrap their answer in a markdown fence
	reFence = regexp.MustCompile("(?m)^ *```[A-Za-z0-9_-]* *$")
	// rulers and underlines left by form fields
	reBoxNoise = regexp.MustCompile(`(?m)^ *[_\-=~.]{3,} *$`)
)

// Clean collapses noisy whitespace and strips recognition artifacts.
// Line breaks are kept; runs of blank lines collapse into one.
func Clean(s string) string {
	if s == "" {
		return s
	}
	s = reCRLF.ReplaceAllString(s, "\n")
	s = reInvisible.ReplaceAllString(s, "")
	s = reControl.ReplaceAllString(s, "")
	s = reTabs.ReplaceAllString(s, " ")
	s = reFence.ReplaceAllString(s, "")
	s = reBoxNoise.ReplaceAllString(s, "")
	s = reMultiSpace.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " ")
	}
	s = strings.Join(lines, "\n")

	s = reMultiBlank.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
