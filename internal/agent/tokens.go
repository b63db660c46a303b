package agent

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with a model-appropriate BPE encoding.
// Counts are exact for OpenAI models and a close approximation for
// everything else.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

// NewTokenCounter builds a counter for model, falling back to cl100k_base
// when the model has no registered encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &TokenCounter{encoding: cached}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("agent: failed to get encoding: %w", err)
		}
	}
	encodingCache[model] = encoding
	return &TokenCounter{encoding: encoding}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// Estimate adapts the counter to the session manager's Estimator shape.
func (tc *TokenCounter) Estimate(text string) int {
	return tc.Count(text)
}
