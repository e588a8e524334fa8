package scoring

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/relay/internal/catalog"
)

const fallbackCatalog = `
coder-7b:
  name: coder-7b
  backend_type: daemon-http
  capabilities: [code_generation]
  performance: {context_length: 16384, latency_ms: 800}
coder-32b:
  name: coder-32b
  backend_type: daemon-http
  capabilities: [coding, analysis]
  performance: {context_length: 32768, latency_ms: 2500}
chat-3b:
  name: chat-3b
  backend_type: embedded-accelerated
  capabilities: [conversation]
  performance: {context_length: 8192, latency_ms: 300}
`

func fallbackFixture(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Parse([]byte(fallbackCatalog))
	require.NoError(t, err)
	return c
}

func TestFallbackPicksLargestContextInClass(t *testing.T) {
	cat := fallbackFixture(t)
	available := cat.Keys()

	m, err := Fallback(cat, available, "code_generation", "")
	require.NoError(t, err)
	assert.Equal(t, "coder-32b", m.Key)
}

func TestFallbackHonorsAvoid(t *testing.T) {
	cat := fallbackFixture(t)
	available := cat.Keys()

	m, err := Fallback(cat, available, "code_generation", "coder-32b")
	require.NoError(t, err)
	assert.Equal(t, "coder-7b", m.Key)
}

func TestFallbackWidensToGeneral(t *testing.T) {
	cat := fallbackFixture(t)
	// Only the chat model is available; a code task widens to general.
	m, err := Fallback(cat, []string{"chat-3b"}, "code_generation", "")
	require.NoError(t, err)
	assert.Equal(t, "chat-3b", m.Key)
}

func TestFallbackUnknownTaskUsesGeneralClass(t *testing.T) {
	cat := fallbackFixture(t)

	m, err := Fallback(cat, cat.Keys(), "interpretive_dance", "")
	require.NoError(t, err)
	// General class: largest context wins.
	assert.Equal(t, "coder-32b", m.Key)
}

func TestFallbackEmptyCatalog(t *testing.T) {
	cat, err := catalog.Parse([]byte("{}"))
	require.NoError(t, err)

	_, err = Fallback(cat, nil, "analysis", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoModelAvailable))
}

func TestFallbackNothingAvailable(t *testing.T) {
	cat := fallbackFixture(t)

	_, err := Fallback(cat, nil, "analysis", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoModelAvailable))
}

func TestFallbackAvoidCanExhaustPool(t *testing.T) {
	cat := fallbackFixture(t)

	_, err := Fallback(cat, []string{"chat-3b"}, "conversation", "chat-3b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoModelAvailable))
}
