// Package tokenbudget trims a rendered conversation transcript to fit within
// a model's context budget before it is sent to the LLMClient, dropping the
// oldest turns first.
package tokenbudget

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// modelEncodings maps model names to their tiktoken encoding.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

func encodingForModel(model string) string {
	if enc, ok := modelEncodings[model]; ok {
		return enc
	}
	// Longest matching prefix wins, so "gpt-4o-..." is not taken for "gpt-4".
	best, bestLen := "cl100k_base", 0
	for prefix, enc := range modelEncodings {
		if len(prefix) > bestLen && len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			best, bestLen = enc, len(prefix)
		}
	}
	return best
}

// Trimmer counts and trims text against a tiktoken encoding. It is lazily
// initialized since loading an encoding's BPE ranks may hit the network on
// first use; if the encoding cannot be loaded at all, a character-ratio
// estimator stands in so trimming still happens.
type Trimmer struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
}

// NewTrimmer returns a Trimmer using the encoding associated with model.
func NewTrimmer(model string) *Trimmer {
	return &Trimmer{encoding: encodingForModel(model)}
}

func (t *Trimmer) init() {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			return
		}
		t.enc = enc
	})
}

// estimate approximates a token count when no real encoding is available:
// CJK characters run ~1.5 chars/token, everything else ~4.
func estimate(text string) int {
	if text == "" {
		return 0
	}
	totalChars := utf8.RuneCountInString(text)
	cjkCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		}
	}
	n := int(float64(cjkCount)/1.5 + float64(totalChars-cjkCount)/4.0)
	if n == 0 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3040 && r <= 0x30FF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}

// CountTokens returns the number of tokens text encodes to.
func (t *Trimmer) CountTokens(text string) (int, error) {
	t.init()
	if t.enc == nil {
		return estimate(text), nil
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// TrimTranscript drops the oldest entries of turns (index 0 first) until the
// remaining entries' total token count is at or under budget. Order of the
// surviving turns is preserved. A single turn longer than the entire budget
// is kept as the last resort rather than emitting an empty transcript.
func (t *Trimmer) TrimTranscript(turns []string, budget int) ([]string, error) {
	if budget <= 0 || len(turns) == 0 {
		return turns, nil
	}
	t.init()

	counts := make([]int, len(turns))
	total := 0
	for i, turn := range turns {
		var n int
		if t.enc != nil {
			n = len(t.enc.Encode(turn, nil, nil))
		} else {
			n = estimate(turn)
		}
		counts[i] = n
		total += n
	}

	start := 0
	for total > budget && start < len(turns)-1 {
		total -= counts[start]
		start++
	}
	return turns[start:], nil
}
