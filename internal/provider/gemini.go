package provider

import (
	"path/filepath"

	"github.com/theirongolddev/cdispatch/internal/config"
	"github.com/theirongolddev/cdispatch/internal/model"
)

// Gemini adapts the Gemini CLI. It has no resume support.
type Gemini struct {
	base
}

// NewGemini builds the gemini adapter.
func NewGemini(name string, cfg config.ProviderConfig) Provider {
	return &Gemini{base: newBase(name, "gemini",
		Capabilities{Chat: true, Task: true},
		cfg,
		filepath.Join(homeDir(), ".gemini", "settings.json"),
		"",
	)}
}

func (g *Gemini) BuildArgs(task string, opts Options) []string {
	var args []string
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Mode == model.ModeChat {
		args = append(args, g.extraArgs...)
		args = append(args, opts.ExtraArgs...)
		return append(args, "--prompt-interactive", task)
	}
	args = append(args, "--yolo")
	args = append(args, g.extraArgs...)
	args = append(args, opts.ExtraArgs...)
	return append(args, "-p", task)
}

// BuildResumeArgs is never valid for gemini.
func (g *Gemini) BuildResumeArgs(string, Options) []string {
	return nil
}

func (g *Gemini) ParseOutput(chunk string) ParseResult {
	return parseText(chunk)
}

func (g *Gemini) IsTaskComplete(chunk string) bool {
	return isCompletionPhrase(chunk)
}
