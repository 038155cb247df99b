package patternstore

import (
	"regexp"
	"strings"
)

var (
	quotedRe = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	pathRe   = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[./~]?[\w.-]+)?(?:/[\w.@-]+){2,}`)
	hexRe    = regexp.MustCompile(`\b(?:0x)?[0-9a-f]{8,}\b`)
	numRe    = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

const maxSignatureLen = 256

// Signature normalizes an error message into a stable failure signature:
// quoted strings, paths, hex ids and numbers are replaced by placeholders so
// that the same failure in different runs maps to the same key.
func Signature(msg string) string {
	s := strings.ToLower(strings.TrimSpace(msg))
	s = quotedRe.ReplaceAllString(s, "<str>")
	s = pathRe.ReplaceAllString(s, "<path>")
	s = hexRe.ReplaceAllString(s, "<hex>")
	s = numRe.ReplaceAllString(s, "<n>")
	s = spaceRe.ReplaceAllString(s, " ")
	if len(s) > maxSignatureLen {
		s = s[:maxSignatureLen]
	}
	return s
}
