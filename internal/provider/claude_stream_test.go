package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/cdispatch/internal/config"
)

func TestExtractTopLevelType(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"system", `{"type":"system","subtype":"init","session_id":"s1"}`, "system"},
		{"result", `{"type":"result","result":"ok"}`, "result"},
		{"spaced", `{"type": "assistant"}`, "assistant"},
		{"nested type ignored", `{"message":{"type":"user"},"type":"result"}`, "result"},
		{"type as value", `{"kind":"type","type":"system"}`, "system"},
		{"irrelevant type", `{"type":"stream_event"}`, ""},
		{"no type", `{"foo":"bar"}`, ""},
		{"escaped quote in string", `{"text":"say \"type\"","type":"user"}`, "user"},
		{"truncated", `{"type":"resu`, ""},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractTopLevelType([]byte(tt.line)))
		})
	}
}

func TestClaudeParsesStreamJSON(t *testing.T) {
	c := NewClaude("claude", config.ProviderConfig{})

	init := c.ParseOutput(`{"type":"system","subtype":"init","session_id":"9f1c-aa","tools":[]}` + "\n")
	assert.Equal(t, "9f1c-aa", init.NativeSessionID)
	assert.Nil(t, init.Tokens)

	assistant := c.ParseOutput(`{"type":"assistant","message":{"usage":{"input_tokens":5,"output_tokens":7}},"session_id":"9f1c-aa"}`)
	assert.Nil(t, assistant.Tokens, "per-message usage is not counted")

	result := c.ParseOutput(`{"type":"result","subtype":"success","is_error":false,` +
		`"result":"Summary: fixed the bug","session_id":"9f1c-aa","total_cost_usd":0.0312,` +
		`"usage":{"input_tokens":100,"cache_creation_input_tokens":20,"cache_read_input_tokens":30,"output_tokens":45}}`)
	require.NotNil(t, result.Tokens)
	assert.Equal(t, int64(150), result.Tokens.In)
	assert.Equal(t, int64(45), result.Tokens.Out)
	require.NotNil(t, result.Cost)
	assert.InDelta(t, 0.0312, *result.Cost, 1e-9)
	assert.Equal(t, "Summary: fixed the bug", result.ResultText)
	assert.Equal(t, "9f1c-aa", result.NativeSessionID)
	assert.False(t, result.RateLimited)

	assert.True(t, c.IsTaskComplete(`{"type":"result","result":"x"}`))
	assert.False(t, c.IsTaskComplete(`{"type":"assistant"}`))
}

func TestClaudeRateLimitedResult(t *testing.T) {
	c := NewClaude("claude", config.ProviderConfig{})
	r := c.ParseOutput(`{"type":"result","subtype":"error","is_error":true,"result":"API Error: 429 rate_limit_error"}`)
	assert.True(t, r.RateLimited)
}

func TestClaudeMalformedJSONFallsBackToText(t *testing.T) {
	c := NewClaude("claude", config.ProviderConfig{})
	r := c.ParseOutput(`{"type":"result","usage":{"input_tokens":`)
	assert.True(t, r.IsEmpty())

	r = c.ParseOutput("Total cost: $1.50")
	require.NotNil(t, r.Cost)
	assert.InDelta(t, 1.5, *r.Cost, 1e-9)
}
