package openai

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce  sync.Once
	encoding *tiktoken.Tiktoken
)

// CountTokens counts text with the cl100k_base encoding, loaded on first
// use. If the encoding cannot be loaded it falls back to EstimateTokens.
func CountTokens(text string) int {
	encOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens is max(runes/4, words), at least 1 for non-blank text.
func EstimateTokens(text string) int {
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
