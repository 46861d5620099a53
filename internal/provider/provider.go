// Package provider adapts external coding CLIs to a common contract.
package provider

import (
	"context"

	"github.com/theirongolddev/cdispatch/internal/model"
)

// Capabilities advertises what a provider variant supports.
type Capabilities struct {
	Chat      bool `json:"chat"`
	Task      bool `json:"task"`
	Resume    bool `json:"resume"`
	Streaming bool `json:"streaming"`
	MCP       bool `json:"mcp"`
	Skills    bool `json:"skills"`
}

// Options tune a single invocation.
type Options struct {
	Mode      model.Mode
	Model     string
	ExtraArgs []string
	Env       map[string]string
}

// Tokens is a token usage delta reported by a tool.
type Tokens struct {
	In  int64
	Out int64
}

// ParseResult holds the signals found in one output chunk. The zero value
// means nothing matched, which is the common case.
type ParseResult struct {
	Tokens          *Tokens
	Cost            *float64
	FilesChanged    *int
	NativeSessionID string
	ResultText      string
	RateLimited     bool
}

// IsEmpty reports whether no signal was found.
func (r ParseResult) IsEmpty() bool {
	return r.Tokens == nil && r.Cost == nil && r.FilesChanged == nil &&
		r.NativeSessionID == "" && r.ResultText == "" && !r.RateLimited
}

// Provider wraps one external coding tool.
//
// BuildArgs and BuildResumeArgs are pure. ParseOutput and IsTaskComplete never
// fail; malformed or partial chunks yield empty results.
type Provider interface {
	Name() string
	Command() string
	Capabilities() Capabilities

	// Detect probes whether the executable can be invoked. Not cached.
	Detect(ctx context.Context) bool

	BuildArgs(task string, opts Options) []string
	// BuildResumeArgs must only be called when Capabilities().Resume is true.
	BuildResumeArgs(nativeSessionID string, opts Options) []string

	ParseOutput(chunk string) ParseResult
	IsTaskComplete(chunk string) bool

	// Env returns overrides merged onto the ambient environment.
	Env() map[string]string
	// MCPConfigPath and SkillsConfigPath return "" when unsupported.
	MCPConfigPath() string
	SkillsConfigPath() string
}
