// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
)

// mojibake maps UTF-8 sequences that were mis-decoded as Windows-1252 back
// to the intended characters. Keys whose second byte has no printable cp1252
// form carry the raw C1 code point, written escaped.
var mojibake = strings.NewReplacer(
	"Ã¡", "á", "Ã©", "é", "Ã­", "í", "Ã³", "ó", "Ãº", "ú",
	"Ã±", "ñ", "Ã¼", "ü",
	"Ã\u0081", "Á", "Ã‰", "É", "Ã\u008d", "Í", "Ã“", "Ó", "Ãš", "Ú",
	"Ã‘", "Ñ",
	"Â¿", "¿", "Â¡", "¡", "Âº", "º", "Âª", "ª",
	"â€™", "'", "â€˜", "'",
	"â€œ", "\"", "â€\u009d", "\"",
	"â€“", "-", "â€”", "-",
	"â€¢", "*",
)

// quotes straightens typographic quotes and apostrophes.
var quotes = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "′", "'",
	"“", "\"", "”", "\"", "„", "\"", "″", "\"",
)

// Normalize repairs and canonicalizes generated text. It is pure, total and
// idempotent: mojibake artifacts are substituted, control characters and
// zero-width/bidi code points are removed, whitespace runs collapse to single
// spaces, and curly quotes become straight quotes. Stripping an invisible
// code point can expose a new substitution target, so the pipeline iterates
// to a fixed point. The replacement character U+FFFD passes through so the
// validator can detect and reject it.
func Normalize(s string) string {
	for {
		next := normalizeOnce(s)
		if next == s {
			return s
		}
		s = next
	}
}

func normalizeOnce(s string) string {
	s = mojibake.Replace(s)
	s = quotes.Replace(s)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\u00a0':
			space = true
		case isDropped(r):
			continue
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isDropped reports whether r is removed outright: C0/C1 controls (other than
// the whitespace handled above) and zero-width or bidi-control code points.
func isDropped(r rune) bool {
	if r < 32 || r == 127 || (r >= 0x80 && r <= 0x9f) {
		return true
	}
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff': // zero width
		return true
	case '\u200e', '\u200f', '\u061c': // direction marks
		return true
	}
	if r >= '\u202a' && r <= '\u202e' { // bidi embedding/override
		return true
	}
	if r >= '\u2066' && r <= '\u2069' { // bidi isolates
		return true
	}
	return false
}

// SanitizeText removes control characters except tab/newline/CR and trims
// spaces. Used for inbound user text, where line structure is preserved.
func SanitizeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
