package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/cdispatch/internal/model"
)

var (
	cleanupDays   int
	cleanupStatus string
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete sessions older than the retention window",
	RunE:  runCleanup,
}

func init() {
	cleanupCmd.Flags().IntVarP(&cleanupDays, "days", "n", 0, "Delete sessions older than this many days (default retention_days)")
	cleanupCmd.Flags().StringVarP(&cleanupStatus, "status", "s", "", "Only delete sessions with this status")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	status := model.Status(cleanupStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", cleanupStatus)
	}

	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	days := cleanupDays
	if days <= 0 {
		days = cfg.General.RetentionDays
	}
	if days <= 0 {
		return fmt.Errorf("retention must be positive, got %d days", days)
	}

	n, err := st.DeleteOldSessions(cmd.Context(), days, status)
	if err != nil {
		return err
	}
	fmt.Printf("  Deleted %d session(s) older than %d days\n", n, days)
	return nil
}
