package anthropic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageResponseText(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: `{"selected_names": `},
		{Type: "thinking", Text: "ignored"},
		{Type: "text", Text: `["acme"]}`},
	}}
	assert.Equal(t, `{"selected_names": ["acme"]}`, resp.Text())
	assert.Empty(t, (&MessageResponse{}).Text())
}

func TestToSDKMessages(t *testing.T) {
	msgs := toSDKMessages([]Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "{"},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", string(msgs[0].Role))
	assert.Equal(t, "assistant", string(msgs[1].Role))
}

func TestToSDKSystemBlocksCache(t *testing.T) {
	blocks := toSDKSystemBlocks([]SystemBlock{{Text: "rules", Cache: true}, {Text: "extra"}})
	require.Len(t, blocks, 2)
	assert.Equal(t, "rules", blocks[0].Text)
	assert.Equal(t, "ephemeral", string(blocks[0].CacheControl.Type))
	assert.Empty(t, string(blocks[1].CacheControl.Type))
}

func TestTokenUsageCost(t *testing.T) {
	var u TokenUsage
	u.Add(TokenUsage{InputTokens: 1_000_000})
	u.Add(TokenUsage{OutputTokens: 1_000_000})
	assert.InDelta(t, 18.0, u.EstimateCost("claude-sonnet-4-5-20250929"), 1e-9)
	assert.Zero(t, u.EstimateCost("unknown-model"))

	cached := TokenUsage{CacheReadInputTokens: 1_000_000}
	assert.InDelta(t, 0.3, cached.EstimateCost("claude-sonnet-4-5-20250929"), 1e-9)
}

func TestStatusCodeNonAPIError(t *testing.T) {
	assert.Equal(t, 0, StatusCode(errors.New("dial tcp: refused")))
	assert.Equal(t, 0, StatusCode(nil))
}
