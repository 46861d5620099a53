package cmd

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/cdispatch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE:  runConfig,
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to " + config.Path(),
	RunE:  runConfigInit,
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	if config.Exists() && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", config.Path())
	}
	if err := config.Save(config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Printf("  Wrote %s\n", config.Path())
	return nil
}

func runConfig(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := flagConfig
	if path == "" {
		path = config.Path()
	}
	fmt.Printf("  Config file: %s\n", path)
	if _, err := os.Stat(path); err == nil {
		fmt.Println("  Status: loaded")
	} else {
		fmt.Println("  Status: using defaults (no config file)")
	}
	fmt.Printf("  Database:    %s\n", cfg.DBPath())
	fmt.Printf("  Chain:       %v\n", cfg.FallbackChain())
	fmt.Println()

	return toml.NewEncoder(os.Stdout).Encode(cfg)
}
