package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenCounter_Fallback(t *testing.T) {
	tc := &TokenCounter{}
	assert.True(t, tc.Approximate())
	assert.Equal(t, 0, tc.Count(""))
	assert.Equal(t, 1, tc.Count("ab"))
	assert.Equal(t, 3, tc.Count("abcdefghijkl"))
	assert.Equal(t, 4, tc.CountAll("abcdefghijkl", "ab"))
}

func TestGetTokenCounter_Shared(t *testing.T) {
	a := GetTokenCounter("")
	b := GetTokenCounter(DefaultEncoding)
	assert.Same(t, a, b)

	// Works with or without the BPE file being reachable.
	assert.Greater(t, a.Count("select count(*) from orders"), 0)
}

func TestGetTokenCounter_UnknownEncodingFallsBack(t *testing.T) {
	tc := GetTokenCounter("no_such_encoding")
	assert.True(t, tc.Approximate())
}
