// Package tokencount wraps pkoukk/tiktoken-go to estimate token counts for
// the Loop Manager's context-window compression trigger (spec §3
// "ContextWindow", §4.6 "Compression").
//
// Grounded on the teacher's internal/shared/token (tokenutil) package,
// whose test suite (tokenutil_test.go) pins cl100k_base encoding and a
// word-count fallback when the encoder is unavailable; reconstructed here
// since the teacher's tokenutil.go implementation itself was not present
// in the retrieved source, only its test.
package tokencount

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func encoder() *tiktoken.Tiktoken {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// Count returns the token count for text, using cl100k_base when available
// and falling back to a whitespace-word-count estimate otherwise.
func Count(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	if enc := encoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast is a cheap, encoder-free estimate: max(word count, rune
// count / 4), matching the teacher's documented fallback behavior.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	words := len(strings.Fields(trimmed))
	runes := len([]rune(trimmed))
	byRunes := runes / 4
	if words > byRunes {
		return words
	}
	return byRunes
}

// CountAll sums Count across every string in texts.
func CountAll(texts []string) int {
	total := 0
	for _, t := range texts {
		total += Count(t)
	}
	return total
}
