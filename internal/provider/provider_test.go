package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/cdispatch/internal/config"
	"github.com/theirongolddev/cdispatch/internal/model"
)

func TestBuildArgsTaskVersusChat(t *testing.T) {
	cfg := config.ProviderConfig{}
	providers := []Provider{
		NewClaude("claude", cfg),
		NewCodex("codex", cfg),
		NewGemini("gemini", cfg),
	}
	task := "refactor the parser; keep tests green"

	for _, p := range providers {
		t.Run(p.Name(), func(t *testing.T) {
			taskArgs := p.BuildArgs(task, Options{Mode: model.ModeTask})
			chatArgs := p.BuildArgs(task, Options{Mode: model.ModeChat})

			require.NotEmpty(t, taskArgs)
			require.NotEmpty(t, chatArgs)
			assert.Equal(t, task, taskArgs[len(taskArgs)-1])
			assert.Equal(t, task, chatArgs[len(chatArgs)-1])
			assert.NotEqual(t, taskArgs, chatArgs)
		})
	}
}

func TestClaudeArgs(t *testing.T) {
	c := NewClaude("claude", config.ProviderConfig{Args: []string{"--add-dir", "/tmp"}})

	args := c.BuildArgs("do it", Options{Mode: model.ModeTask, Model: "opus"})
	assert.Equal(t, []string{
		"-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions",
		"--model", "opus", "--add-dir", "/tmp", "do it",
	}, args)

	chat := c.BuildArgs("hello", Options{Mode: model.ModeChat})
	assert.Equal(t, []string{"--add-dir", "/tmp", "hello"}, chat)

	resume := c.BuildResumeArgs("abc-123", Options{})
	assert.Equal(t, []string{"--resume", "abc-123", "--add-dir", "/tmp"}, resume)
}

func TestCodexArgs(t *testing.T) {
	c := NewCodex("codex", config.ProviderConfig{})
	args := c.BuildArgs("fix", Options{Mode: model.ModeTask})
	assert.Equal(t, []string{"exec", "--full-auto", "--skip-git-repo-check", "fix"}, args)
	assert.Equal(t, []string{"resume", "sid"}, c.BuildResumeArgs("sid", Options{}))
}

func TestGeminiHasNoResume(t *testing.T) {
	g := NewGemini("gemini", config.ProviderConfig{})
	assert.False(t, g.Capabilities().Resume)
	assert.True(t, g.Capabilities().MCP)
	assert.False(t, g.Capabilities().Skills)
	assert.Empty(t, g.SkillsConfigPath())
	assert.Equal(t, []string{"--yolo", "-p", "x"}, g.BuildArgs("x", Options{Mode: model.ModeTask}))
}

func TestConfigOverrides(t *testing.T) {
	c := NewClaude("claude", config.ProviderConfig{
		Command:   "/opt/bin/claude",
		Env:       map[string]string{"ANTHROPIC_MODEL": "x"},
		MCPConfig: "/etc/mcp.json",
	})
	assert.Equal(t, "/opt/bin/claude", c.Command())
	assert.Equal(t, "/etc/mcp.json", c.MCPConfigPath())

	env := c.Env()
	assert.Equal(t, "x", env["ANTHROPIC_MODEL"])
	env["ANTHROPIC_MODEL"] = "mutated"
	assert.Equal(t, "x", c.Env()["ANTHROPIC_MODEL"], "Env must return a copy")
}

func TestDetectMissingBinary(t *testing.T) {
	c := NewClaude("claude", config.ProviderConfig{Command: "cdispatch-no-such-binary"})
	assert.False(t, c.Detect(context.Background()))
}

func TestDetectInstalledBinary(t *testing.T) {
	// "true" ignores its arguments and exits zero.
	c := NewCustom("t", config.ProviderConfig{Command: "true"})
	assert.True(t, c.Detect(context.Background()))
}

func TestParseTextHeuristics(t *testing.T) {
	r := NewGemini("gemini", config.ProviderConfig{}).ParseOutput(
		"INPUT TOKENS: 1,200 | Output tokens = 340\nTotal cost: $0.0421\n3 files changed")
	require.NotNil(t, r.Tokens)
	assert.Equal(t, int64(1200), r.Tokens.In)
	assert.Equal(t, int64(340), r.Tokens.Out)
	require.NotNil(t, r.Cost)
	assert.InDelta(t, 0.0421, *r.Cost, 1e-9)
	require.NotNil(t, r.FilesChanged)
	assert.Equal(t, 3, *r.FilesChanged)
	assert.False(t, r.RateLimited)
}

func TestParseNoMatchIsEmpty(t *testing.T) {
	for _, chunk := range []string{"", "working on it...", "{\"type\":", "tokens", "\x00\xff"} {
		for _, p := range []Provider{
			NewClaude("claude", config.ProviderConfig{}),
			NewCodex("codex", config.ProviderConfig{}),
			NewGemini("gemini", config.ProviderConfig{}),
		} {
			assert.True(t, p.ParseOutput(chunk).IsEmpty(), "%s: %q", p.Name(), chunk)
			assert.False(t, p.IsTaskComplete(chunk), "%s: %q", p.Name(), chunk)
		}
	}
}

func TestRateLimitDetection(t *testing.T) {
	g := NewGemini("gemini", config.ProviderConfig{})
	assert.True(t, g.ParseOutput("Error: Rate Limit exceeded, retry later").RateLimited)
	assert.True(t, g.ParseOutput("HTTP 429 Too Many Requests").RateLimited)
	assert.True(t, g.ParseOutput("quota exceeded for project").RateLimited)
	assert.True(t, g.ParseOutput("error: status code 429").RateLimited)
	assert.True(t, g.ParseOutput("working...\nError: 429 Too Many Requests\n").RateLimited)
}

func TestRateLimitIgnoresProse(t *testing.T) {
	c := NewCodex("codex", config.ProviderConfig{})
	for _, chunk := range []string{
		"I added rate limiting middleware to server.go",
		"Tests failed at handler.go line 429",
		"Error: test failed at handler.go line 429",
		"Rate limiting is now configurable per route",
		"The client retries when it sees too many requests errors",
	} {
		assert.False(t, c.ParseOutput(chunk).RateLimited, chunk)
	}
}

func TestCodexParse(t *testing.T) {
	c := NewCodex("codex", config.ProviderConfig{})

	r := c.ParseOutput("Tokens used: 12,345")
	require.NotNil(t, r.Tokens)
	assert.Equal(t, int64(12345), r.Tokens.In)

	r = c.ParseOutput("session id: 0199a213-81c0-7800-8aa1-bbab2a035a53")
	assert.Equal(t, "0199a213-81c0-7800-8aa1-bbab2a035a53", r.NativeSessionID)

	assert.True(t, c.IsTaskComplete("tokens used: 10"))
}

func TestIsTaskCompletePhrases(t *testing.T) {
	g := NewGemini("gemini", config.ProviderConfig{})
	assert.True(t, g.IsTaskComplete("Task completed."))
	assert.True(t, g.IsTaskComplete("ALL DONE"))
	assert.False(t, g.IsTaskComplete("not finished yet"))
}
