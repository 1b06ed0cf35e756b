// Package tokenutil counts tokens with tiktoken-go's cl100k_base encoding,
// lazily initialized on first use. When the encoding cannot be loaded the
// package degrades to a character heuristic instead of failing, so budget
// accounting keeps working offline.
package tokenutil

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const truncationMarker = "..."

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func enc() *tiktoken.Tiktoken {
	once.Do(func() {
		if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = e
		}
	})
	return encoding
}

// Count returns the token count of text under cl100k_base, or a heuristic
// estimate when the encoding is unavailable.
func Count(text string) int {
	if e := enc(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// CountAll sums the token counts of several texts, typically a task goal
// plus its step history.
func CountAll(texts ...string) int {
	total := 0
	for _, text := range texts {
		total += Count(text)
	}
	return total
}

// EstimateFast returns max(runes/4, word count) without touching tiktoken.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// Truncate caps text at roughly maxTokens tokens, appending a marker when
// anything was cut. maxTokens <= 0 leaves the text untouched.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if e := enc(); e != nil {
		tokens := e.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		return e.Decode(tokens[:maxTokens]) + truncationMarker
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit]) + truncationMarker
}
