// Package ai provides response validation for generated text.
package ai

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/fairyhunter13/ai-chat-gateway/pkg/textx"
)

// RejectReason is the closed enumeration of validation rejections.
type RejectReason string

const (
	ReasonNone            RejectReason = ""
	ReasonEmpty           RejectReason = "empty"
	ReasonTooShort        RejectReason = "too_short"
	ReasonReplacementChar RejectReason = "replacement_char"
	ReasonRepeatedCharRun RejectReason = "repeated_char_run"
	ReasonSingleLetterRun RejectReason = "single_letter_run"
	ReasonWordLoop        RejectReason = "word_loop"
	ReasonTooFewWords     RejectReason = "too_few_words"
)

// ValidationResult carries the verdict and, on success, the corrected text.
type ValidationResult struct {
	Valid     bool
	Corrected string
	Reason    RejectReason
}

// corruption predicates are evaluated in order against the normalized text
// and its token split; the first hit decides the rejection reason.
type predicate struct {
	name   string
	reason RejectReason
	hit    func(s string, words []string) bool
}

const (
	minLength          = 5
	maxCharRun         = 8
	maxSingleLetterRun = 5
	maxWordLoop        = 5
	minRealWords       = 2
)

// ResponseValidator checks generated text against a fixed set of corruption
// signatures and auto-repairs minor structural defects instead of rejecting.
type ResponseValidator struct {
	predicates []predicate
}

// NewResponseValidator constructs a validator with the standard signature set.
func NewResponseValidator() *ResponseValidator {
	return &ResponseValidator{
		predicates: []predicate{
			{
				name:   "replacement_character",
				reason: ReasonReplacementChar,
				hit: func(s string, _ []string) bool {
					return strings.ContainsRune(s, '�')
				},
			},
			{
				name:   "repeated_character_run",
				reason: ReasonRepeatedCharRun,
				hit:    func(s string, _ []string) bool { return hasCharRun(s, maxCharRun) },
			},
			{
				name:   "single_letter_token_run",
				reason: ReasonSingleLetterRun,
				hit:    func(_ string, w []string) bool { return hasSingleLetterRun(w, maxSingleLetterRun) },
			},
			{
				name:   "short_word_loop",
				reason: ReasonWordLoop,
				hit:    func(_ string, w []string) bool { return hasWordLoop(w, maxWordLoop) },
			},
			{
				name:   "too_few_real_words",
				reason: ReasonTooFewWords,
				hit:    func(_ string, w []string) bool { return countRealWords(w) < minRealWords },
			},
		},
	}
}

// Validate normalizes text, tests every corruption signature, and on
// otherwise-valid text repairs capitalization and terminal punctuation
// rather than rejecting.
func (v *ResponseValidator) Validate(text string) ValidationResult {
	s := textx.Normalize(text)
	if s == "" {
		return ValidationResult{Reason: ReasonEmpty}
	}
	if strings.ContainsRune(s, '�') {
		return ValidationResult{Reason: ReasonReplacementChar}
	}
	if utf8.RuneCountInString(s) < minLength {
		return ValidationResult{Reason: ReasonTooShort}
	}
	words := strings.Fields(s)
	for _, p := range v.predicates {
		if p.hit(s, words) {
			return ValidationResult{Reason: p.reason}
		}
	}
	return ValidationResult{Valid: true, Corrected: repair(s)}
}

// repair capitalizes the first character and appends a period when no
// sentence-terminal punctuation is present.
func repair(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r != utf8.RuneError && unicode.IsLower(r) {
		s = string(unicode.ToUpper(r)) + s[size:]
	}
	last, _ := utf8.DecodeLastRuneInString(s)
	switch last {
	case '.', '!', '?', '…', ':', ';':
		return s
	case '"', '\'', ')', ']', '»':
		// Closing quote or bracket after punctuation is acceptable.
		trimmed := strings.TrimRight(s, "\"')]»")
		if l, _ := utf8.DecodeLastRuneInString(trimmed); l == '.' || l == '!' || l == '?' || l == '…' {
			return s
		}
	}
	return s + "."
}

func hasCharRun(s string, limit int) bool {
	var prev rune
	run := 0
	for _, r := range s {
		if r == prev {
			run++
			if run >= limit {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}

func hasSingleLetterRun(words []string, limit int) bool {
	run := 0
	for _, w := range words {
		if utf8.RuneCountInString(w) == 1 && isAlphaWord(w) {
			run++
			if run >= limit {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// hasWordLoop detects one short word repeated back to back, the degenerate
// loop some models fall into.
func hasWordLoop(words []string, limit int) bool {
	run := 1
	for i := 1; i < len(words); i++ {
		if utf8.RuneCountInString(words[i]) <= 4 && strings.EqualFold(words[i], words[i-1]) {
			run++
			if run >= limit {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

// countRealWords counts tokens of length >= 2 containing at least one letter.
func countRealWords(words []string) int {
	n := 0
	for _, w := range words {
		if utf8.RuneCountInString(w) < 2 {
			continue
		}
		if strings.ContainsFunc(w, unicode.IsLetter) {
			n++
		}
	}
	return n
}

func isAlphaWord(w string) bool {
	for _, r := range w {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return len(w) > 0
}
