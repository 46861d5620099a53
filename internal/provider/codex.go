package provider

import (
	"path/filepath"
	"regexp"

	"github.com/theirongolddev/cdispatch/internal/config"
	"github.com/theirongolddev/cdispatch/internal/model"
)

var (
	codexTokensUsedRe = regexp.MustCompile(`(?i)tokens used:?\s*([\d,]+)`)
	codexSessionRe    = regexp.MustCompile(`(?i)session id:\s*([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`)
)

// Codex adapts the OpenAI Codex CLI.
type Codex struct {
	base
}

// NewCodex builds the codex adapter.
func NewCodex(name string, cfg config.ProviderConfig) Provider {
	home := homeDir()
	return &Codex{base: newBase(name, "codex",
		Capabilities{Chat: true, Task: true, Resume: true, Streaming: true},
		cfg,
		filepath.Join(home, ".codex", "config.toml"),
		filepath.Join(home, ".codex", "skills"),
	)}
}

func (c *Codex) BuildArgs(task string, opts Options) []string {
	var args []string
	if opts.Mode != model.ModeChat {
		args = append(args, "exec", "--full-auto", "--skip-git-repo-check")
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return c.tail(args, opts, task)
}

func (c *Codex) BuildResumeArgs(nativeSessionID string, opts Options) []string {
	args := []string{"resume", nativeSessionID}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, c.extraArgs...)
	return append(args, opts.ExtraArgs...)
}

// ParseOutput understands codex's "tokens used: N" footer, which reports a
// single total; it is attributed to input tokens.
func (c *Codex) ParseOutput(chunk string) ParseResult {
	r := parseText(chunk)
	if r.Tokens == nil {
		if n, ok := matchInt(codexTokensUsedRe, chunk); ok {
			r.Tokens = &Tokens{In: n}
		}
	}
	if m := codexSessionRe.FindStringSubmatch(chunk); m != nil {
		r.NativeSessionID = m[1]
	}
	return r
}

func (c *Codex) IsTaskComplete(chunk string) bool {
	return isCompletionPhrase(chunk) || codexTokensUsedRe.MatchString(chunk)
}
