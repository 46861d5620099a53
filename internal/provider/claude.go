package provider

import (
	"path/filepath"
	"strings"

	"github.com/theirongolddev/cdispatch/internal/config"
	"github.com/theirongolddev/cdispatch/internal/model"
)

// Claude adapts the Claude Code CLI.
type Claude struct {
	base
}

// NewClaude builds the claude adapter.
func NewClaude(name string, cfg config.ProviderConfig) Provider {
	home := homeDir()
	return &Claude{base: newBase(name, "claude",
		Capabilities{Chat: true, Task: true, Resume: true, Streaming: true},
		cfg,
		filepath.Join(home, ".claude.json"),
		filepath.Join(home, ".claude", "skills"),
	)}
}

// BuildArgs runs task mode headless with stream-json output so usage, cost
// and the session id can be read back.
func (c *Claude) BuildArgs(task string, opts Options) []string {
	var args []string
	if opts.Mode != model.ModeChat {
		args = append(args, "-p", "--output-format", "stream-json", "--verbose",
			"--dangerously-skip-permissions")
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return c.tail(args, opts, task)
}

func (c *Claude) BuildResumeArgs(nativeSessionID string, opts Options) []string {
	args := []string{"--resume", nativeSessionID}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, c.extraArgs...)
	return append(args, opts.ExtraArgs...)
}

func (c *Claude) ParseOutput(chunk string) ParseResult {
	line := strings.TrimSpace(chunk)
	if strings.HasPrefix(line, "{") {
		if r, ok := parseStreamLine([]byte(line)); ok {
			return r
		}
	}
	return parseText(chunk)
}

func (c *Claude) IsTaskComplete(chunk string) bool {
	line := strings.TrimSpace(chunk)
	if strings.HasPrefix(line, "{") {
		return extractTopLevelType([]byte(line)) == "result"
	}
	return isCompletionPhrase(chunk)
}
