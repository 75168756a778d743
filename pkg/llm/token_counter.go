package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE encoding used for token budgets.
const DefaultEncoding = "cl100k_base"

// TokenCounter counts tokens with tiktoken. When the encoding cannot be
// loaded (offline, unknown name) it falls back to four characters per token.
type TokenCounter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.Mutex
}

var (
	counters   = map[string]*TokenCounter{}
	countersMu sync.Mutex
)

// GetTokenCounter returns a shared counter for the named encoding.
func GetTokenCounter(encoding string) *TokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	countersMu.Lock()
	defer countersMu.Unlock()
	if tc, ok := counters[encoding]; ok {
		return tc
	}
	tc := &TokenCounter{}
	if enc, err := tiktoken.GetEncoding(encoding); err == nil {
		tc.encoder = enc
	}
	counters[encoding] = tc
	return tc
}

// Approximate reports whether the counter is using the character fallback.
func (tc *TokenCounter) Approximate() bool {
	return tc.encoder == nil
}

// Count returns the token count of text.
func (tc *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if tc.encoder == nil {
		n := len(text) / 4
		if n == 0 {
			n = 1
		}
		return n
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.encoder.Encode(text, nil, nil))
}

// CountAll sums the token counts of several texts.
func (tc *TokenCounter) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += tc.Count(t)
	}
	return total
}
