// Package utils provides shared helpers for the BeigeBox proxy.
package utils

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

var (
	// Cache encodings to avoid repeated initialization
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// TokenCounter estimates token counts for a model.
// Falls back to a chars/4 heuristic when no encoding is available,
// which is the right order of magnitude for every model we route to.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewTokenCounter returns a counter for the given model. It never fails:
// unknown models get the cl100k_base encoding, and if even that cannot be
// loaded the counter degrades to the heuristic.
func NewTokenCounter(model string) *TokenCounter {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &TokenCounter{model: model}
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// Model returns the model name this counter is configured for.
func (tc *TokenCounter) Model() string {
	return tc.model
}

// EstimateTokens provides a rough token estimation at 4 characters per
// token. Used on hot paths where loading an encoding is not worth it.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Truncate elides the middle of s above max bytes, keeping a prefix and
// suffix around an ellipsis marker. Cuts land on rune boundaries so the
// result stays valid UTF-8. Used for wire-log content fields.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	half := max / 2
	head := half
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tail := len(s) - half
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}
	return s[:head] + " … " + s[tail:]
}
