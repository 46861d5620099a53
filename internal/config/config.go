// Package config loads the cdispatch configuration snapshot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds all cdispatch configuration.
type Config struct {
	General       GeneralConfig             `toml:"general" yaml:"general"`
	Routing       RoutingConfig             `toml:"routing" yaml:"routing"`
	Providers     map[string]ProviderConfig `toml:"providers" yaml:"providers"`
	Logging       LoggingConfig             `toml:"logging" yaml:"logging"`
	Daemon        DaemonConfig              `toml:"daemon" yaml:"daemon"`
	QualityChecks []QualityCheckConfig      `toml:"quality_checks" yaml:"quality_checks"`
}

// GeneralConfig holds general preferences.
type GeneralConfig struct {
	DefaultProvider    string `toml:"default_provider" yaml:"default_provider"`
	MaxConcurrent      int    `toml:"max_concurrent" yaml:"max_concurrent"`
	DefaultTimeoutSecs int    `toml:"default_timeout_secs" yaml:"default_timeout_secs"`
	DBPath             string `toml:"db_path,omitempty" yaml:"db_path,omitempty"`
	RetentionDays      int    `toml:"retention_days" yaml:"retention_days"`
}

// RoutingConfig holds the ordered rule list and static fallback chain.
type RoutingConfig struct {
	Rules    []RoutingRule `toml:"rules" yaml:"rules"`
	Fallback []string      `toml:"fallback" yaml:"fallback"`
}

// RoutingRule sends tasks matching Pattern to Provider. First match wins.
type RoutingRule struct {
	Pattern  string `toml:"pattern" yaml:"pattern"`
	Provider string `toml:"provider" yaml:"provider"`
}

// ProviderConfig holds per-provider settings.
type ProviderConfig struct {
	Enabled      *bool             `toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Kind         string            `toml:"kind,omitempty" yaml:"kind,omitempty"`
	Command      string            `toml:"command,omitempty" yaml:"command,omitempty"`
	Args         []string          `toml:"args,omitempty" yaml:"args,omitempty"`
	Env          map[string]string `toml:"env,omitempty" yaml:"env,omitempty"`
	MCPConfig    string            `toml:"mcp_config,omitempty" yaml:"mcp_config,omitempty"`
	SkillsConfig string            `toml:"skills_config,omitempty" yaml:"skills_config,omitempty"`
	Pricing      *PricingOverride  `toml:"pricing,omitempty" yaml:"pricing,omitempty"`

	// Custom providers only. Placeholders: {task}, {session}.
	TaskArgs   []string `toml:"task_args,omitempty" yaml:"task_args,omitempty"`
	ChatArgs   []string `toml:"chat_args,omitempty" yaml:"chat_args,omitempty"`
	ResumeArgs []string `toml:"resume_args,omitempty" yaml:"resume_args,omitempty"`
}

// IsEnabled reports whether the provider may be selected. Unset means enabled.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `toml:"level,omitempty" yaml:"level,omitempty"`
	Format string `toml:"format,omitempty" yaml:"format,omitempty"`
	File   string `toml:"file,omitempty" yaml:"file,omitempty"`
}

// DaemonConfig holds daemon HTTP settings.
type DaemonConfig struct {
	Addr         string `toml:"addr" yaml:"addr"`
	EventsBuffer int    `toml:"events_buffer" yaml:"events_buffer"`
}

// QualityCheckConfig is a command run in the workspace after a completed task.
type QualityCheckConfig struct {
	Name    string   `toml:"name" yaml:"name"`
	Command string   `toml:"command" yaml:"command"`
	Args    []string `toml:"args,omitempty" yaml:"args,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		General: GeneralConfig{
			DefaultProvider:    "claude",
			MaxConcurrent:      3,
			DefaultTimeoutSecs: 1800,
			RetentionDays:      30,
		},
		Routing: RoutingConfig{
			Fallback: []string{"claude", "codex", "gemini"},
		},
		Providers: map[string]ProviderConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Daemon: DaemonConfig{
			Addr:         "127.0.0.1:8788",
			EventsBuffer: 200,
		},
	}
}

// Dir returns the XDG-compliant config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cdispatch")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "cdispatch")
}

// Path returns the full path to the default config file.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// DataDir returns the XDG-compliant data directory holding the session database.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "cdispatch")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "cdispatch")
}

// DBPath returns the configured database path or the default one.
func (c Config) DBPath() string {
	if c.General.DBPath != "" {
		return expandPath(c.General.DBPath)
	}
	return filepath.Join(DataDir(), "sessions.db")
}

// DefaultTimeout returns the task-mode wait deadline.
func (c Config) DefaultTimeout() time.Duration {
	if c.General.DefaultTimeoutSecs <= 0 {
		return 0
	}
	return time.Duration(c.General.DefaultTimeoutSecs) * time.Second
}

// Provider returns the settings for name, or zero settings.
func (c Config) Provider(name string) ProviderConfig {
	return c.Providers[name]
}

// FallbackChain returns the default provider followed by the static fallback
// list, without duplicates.
func (c Config) FallbackChain() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	add(c.General.DefaultProvider)
	for _, name := range c.Routing.Fallback {
		add(name)
	}
	return out
}

// Validate checks the snapshot for values the router cannot work with.
func (c Config) Validate() error {
	if c.General.MaxConcurrent <= 0 {
		return fmt.Errorf("general.max_concurrent must be positive, got %d", c.General.MaxConcurrent)
	}
	for i, r := range c.Routing.Rules {
		if r.Provider == "" {
			return fmt.Errorf("routing.rules[%d]: provider is required", i)
		}
		if _, err := regexp.Compile("(?i)" + r.Pattern); err != nil {
			return fmt.Errorf("routing.rules[%d]: invalid pattern %q: %w", i, r.Pattern, err)
		}
	}
	for i, name := range c.Routing.Fallback {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("routing.fallback[%d]: empty provider name", i)
		}
	}
	for name, p := range c.Providers {
		if p.Kind == "custom" && p.Command == "" {
			return fmt.Errorf("providers.%s: custom providers need a command", name)
		}
	}
	return nil
}

// Load reads the default config file, returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFile(Path())
}

// LoadFile reads a TOML or YAML config file. A missing file yields defaults.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // config path is chosen by the local user
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to disk as TOML.
func Save(cfg Config) error {
	dir := Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(Path(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	return enc.Encode(cfg)
}

// Exists returns true if a config file exists on disk.
func Exists() bool {
	_, err := os.Stat(Path())
	return err == nil
}

// expandPath expands a leading tilde.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
