package provider

import (
	"strings"

	"github.com/theirongolddev/cdispatch/internal/config"
	"github.com/theirongolddev/cdispatch/internal/model"
)

const (
	taskPlaceholder    = "{task}"
	sessionPlaceholder = "{session}"
)

// Custom runs a user-configured command with templated arguments.
type Custom struct {
	base
	taskArgs   []string
	chatArgs   []string
	resumeArgs []string
}

// NewCustom builds an adapter from argument templates in cfg.
func NewCustom(name string, cfg config.ProviderConfig) Provider {
	c := &Custom{
		taskArgs:   cfg.TaskArgs,
		chatArgs:   cfg.ChatArgs,
		resumeArgs: cfg.ResumeArgs,
	}
	caps := Capabilities{
		Task:   true,
		Chat:   true,
		Resume: len(cfg.ResumeArgs) > 0,
	}
	c.base = newBase(name, name, caps, cfg, "", "")
	return c
}

func (c *Custom) BuildArgs(task string, opts Options) []string {
	tmpl := c.taskArgs
	if opts.Mode == model.ModeChat && len(c.chatArgs) > 0 {
		tmpl = c.chatArgs
	}

	var args []string
	hasTask := false
	for _, a := range tmpl {
		if a == taskPlaceholder {
			hasTask = true
			continue
		}
		args = append(args, strings.ReplaceAll(a, taskPlaceholder, task))
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, c.extraArgs...)
	args = append(args, opts.ExtraArgs...)
	if hasTask || !containsPlaceholder(tmpl, taskPlaceholder) {
		args = append(args, task)
	}
	return args
}

func (c *Custom) BuildResumeArgs(nativeSessionID string, opts Options) []string {
	args := make([]string, 0, len(c.resumeArgs))
	for _, a := range c.resumeArgs {
		args = append(args, strings.ReplaceAll(a, sessionPlaceholder, nativeSessionID))
	}
	args = append(args, c.extraArgs...)
	return append(args, opts.ExtraArgs...)
}

func (c *Custom) ParseOutput(chunk string) ParseResult {
	return parseText(chunk)
}

func (c *Custom) IsTaskComplete(chunk string) bool {
	return isCompletionPhrase(chunk)
}

func containsPlaceholder(args []string, p string) bool {
	for _, a := range args {
		if strings.Contains(a, p) {
			return true
		}
	}
	return false
}
