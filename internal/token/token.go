// Package token provides token counting and truncation backed by tiktoken-go.
// It lazily initializes the cl100k_base encoding on first use and falls back
// to a character-based heuristic if initialization fails.
package token

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func initEncoding() {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
}

// Count returns a token count using cl100k_base encoding, falling back to
// EstimateFast when tiktoken is unavailable.
func Count(text string) int {
	initEncoding()
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast returns a heuristic token estimate: max(runes/4, word count).
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// TruncateTokens cuts text down to at most maxTokens tokens, appending the
// marker when anything was removed. The second return reports whether the
// text was truncated.
func TruncateTokens(text string, maxTokens int, marker string) (string, bool) {
	if maxTokens <= 0 {
		return text, false
	}
	initEncoding()
	if encoding != nil {
		tokens := encoding.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text, false
		}
		return encoding.Decode(tokens[:maxTokens]) + marker, true
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text, false
	}
	return string(runes[:limit]) + marker, true
}

// TruncateBytes cuts text down to at most maxBytes bytes at a rune boundary,
// appending the marker when anything was removed.
func TruncateBytes(text string, maxBytes int, marker string) (string, bool) {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text, false
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + marker, true
}
