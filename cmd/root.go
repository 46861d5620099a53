// Package cmd implements the cdispatch CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/cdispatch/internal/config"
	"github.com/theirongolddev/cdispatch/internal/logging"
	"github.com/theirongolddev/cdispatch/internal/process"
	"github.com/theirongolddev/cdispatch/internal/provider"
	"github.com/theirongolddev/cdispatch/internal/router"
	"github.com/theirongolddev/cdispatch/internal/store"
)

var (
	flagConfig   string
	flagDBPath   string
	flagLogLevel string
	flagQuiet    bool
)

var rootCmd = &cobra.Command{
	Use:           "cdispatch",
	Short:         "Route coding tasks to CLI AI tools",
	Long:          "Dispatch coding tasks to Claude, Codex, Gemini or custom CLI tools, with fallback, session tracking and usage stats.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "  Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file (default "+config.Path()+")")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "Session database path")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress progress output")
}

// loadConfig reads the config snapshot, applies flag overrides and
// configures logging.
func loadConfig() (config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return cfg, err
	}
	if flagDBPath != "" {
		cfg.General.DBPath = flagDBPath
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	logging.Configure(cfg.Logging)
	return cfg, nil
}

// openStore loads config and opens the session database only.
func openStore() (config.Config, *store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, nil, err
	}
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return cfg, nil, err
	}
	return cfg, st, nil
}

// runtime is the full routing stack for commands that spawn processes.
type runtime struct {
	cfg    config.Config
	store  *store.Store
	router *router.Router
}

func newRuntime(ctx context.Context, opts ...process.Option) (*runtime, error) {
	cfg, st, err := openStore()
	if err != nil {
		return nil, err
	}

	reg, err := provider.NewRegistry(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	opts = append([]process.Option{process.WithPricing(cfg)}, opts...)
	sup := process.NewSupervisor(st, cfg.General.MaxConcurrent, opts...)

	r, err := router.New(cfg, reg, st, sup)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	if n, err := process.ReapStale(ctx, st, sup); err != nil {
		logging.NewLogger("cli").WithError(err).Warn("stale session scan failed")
	} else if n > 0 && !flagQuiet {
		fmt.Fprintf(os.Stderr, "  Marked %d stale session(s) as crashed\n", n)
	}

	return &runtime{cfg: cfg, store: st, router: r}, nil
}

// Close stops live sessions and closes the database.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = rt.router.Shutdown(ctx)
	_ = rt.store.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
