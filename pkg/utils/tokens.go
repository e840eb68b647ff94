// Package utils provides small shared helpers: token counting and
// filesystem primitives used across the agent core.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter handles accurate token counting per model.
// Counts drive conversation-memory trimming and panorama sizing.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

var (
	// Cache encodings to avoid repeated initialization
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for a specific model, falling back to
// cl100k_base when the model is unknown to tiktoken.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return len(text) / 4
	}

	tc.mu.RLock()
	defer tc.mu.RUnlock()

	return len(tc.encoding.Encode(text, nil, nil))
}

// CountWithRole counts one message including the per-message role overhead
// used by chat completion APIs.
func (tc *TokenCounter) CountWithRole(role, content string) int {
	// <|start|>role|message<|end|>
	return 3 + tc.Count(role) + tc.Count(content)
}

// GetModel returns the model name this counter is configured for.
func (tc *TokenCounter) GetModel() string {
	if tc == nil {
		return ""
	}
	return tc.model
}

// EstimateTokens provides a rough estimation when no counter is available.
func EstimateTokens(text string) int {
	return len(text) / 4
}
