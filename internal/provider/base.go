package provider

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/theirongolddev/cdispatch/internal/config"
)

const detectTimeout = 5 * time.Second

// base carries the state shared by every adapter.
type base struct {
	name       string
	command    string
	caps       Capabilities
	env        map[string]string
	extraArgs  []string
	mcpPath    string
	skillsPath string
}

func newBase(name, defaultCommand string, caps Capabilities, cfg config.ProviderConfig, mcpDefault, skillsDefault string) base {
	b := base{
		name:       name,
		command:    defaultCommand,
		caps:       caps,
		env:        cfg.Env,
		extraArgs:  cfg.Args,
		mcpPath:    mcpDefault,
		skillsPath: skillsDefault,
	}
	if cfg.Command != "" {
		b.command = cfg.Command
	}
	if cfg.MCPConfig != "" {
		b.mcpPath = expandHome(cfg.MCPConfig)
	}
	if cfg.SkillsConfig != "" {
		b.skillsPath = expandHome(cfg.SkillsConfig)
	}
	b.caps.MCP = b.mcpPath != ""
	b.caps.Skills = b.skillsPath != ""
	return b
}

func (b base) Name() string               { return b.name }
func (b base) Command() string            { return b.command }
func (b base) Capabilities() Capabilities { return b.caps }
func (b base) MCPConfigPath() string      { return b.mcpPath }
func (b base) SkillsConfigPath() string   { return b.skillsPath }

func (b base) Env() map[string]string {
	out := make(map[string]string, len(b.env))
	for k, v := range b.env {
		out[k] = v
	}
	return out
}

// Detect runs "<command> --version" and reports whether it exited cleanly.
func (b base) Detect(ctx context.Context) bool {
	if _, err := exec.LookPath(b.command); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, b.command, "--version")
	return cmd.Run() == nil
}

// tail appends model-independent extra args and the task, which is always last.
func (b base) tail(args []string, opts Options, task string) []string {
	args = append(args, b.extraArgs...)
	args = append(args, opts.ExtraArgs...)
	return append(args, task)
}

func homeDir() string {
	home, _ := os.UserHomeDir()
	return home
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(homeDir(), p[2:])
	}
	return p
}

// Heuristic patterns shared by the plain-text parsers.
var (
	inputTokensRe  = regexp.MustCompile(`(?i)(?:input|prompt)[ _-]?tokens?\s*[:=]\s*([\d,]+)`)
	outputTokensRe = regexp.MustCompile(`(?i)(?:output|completion)[ _-]?tokens?\s*[:=]\s*([\d,]+)`)
	costRe         = regexp.MustCompile(`(?i)cost[^$\d\n]{0,20}\$\s*(\d+(?:\.\d+)?)`)
	filesChangedRe = regexp.MustCompile(`(?i)(\d+)\s+files?\s+changed`)
	completionRe   = regexp.MustCompile(`(?i)\b(?:task (?:is )?complete(?:d)?|all done|successfully completed|finished (?:the )?task)\b`)

	// Throttling is only recognised on error-shaped lines, never in prose.
	rateLimitRe = regexp.MustCompile(`(?im)^\W*(?:` +
		`(?:api error|error|fatal|http(?:/[\d.]+)?|status)\b(?:\W{0,3}429\b|[^\n]*?` +
		`(?:rate[ _-]?limit|too many requests|quota (?:exceeded|exhausted)|resource[ _]exhausted|(?:http|status|code)\W{0,3}429\b))` +
		`|rate[ _-]?limit(?:ed)?(?: error)?\s*(?:exceeded|reached|hit|:)` +
		`|too many requests|quota (?:exceeded|exhausted)|usage limit reached)`)
)

// parseText applies the shared heuristics to a plain-text chunk.
func parseText(chunk string) ParseResult {
	var r ParseResult
	in, okIn := matchInt(inputTokensRe, chunk)
	out, okOut := matchInt(outputTokensRe, chunk)
	if okIn || okOut {
		r.Tokens = &Tokens{In: in, Out: out}
	}
	if m := costRe.FindStringSubmatch(chunk); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			r.Cost = &v
		}
	}
	if n, ok := matchInt(filesChangedRe, chunk); ok {
		files := int(n)
		r.FilesChanged = &files
	}
	r.RateLimited = rateLimitRe.MatchString(chunk)
	return r
}

func matchInt(re *regexp.Regexp, s string) (int64, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isCompletionPhrase(chunk string) bool {
	return completionRe.MatchString(chunk)
}
