package cmd

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/cdispatch/internal/cli"
	"github.com/theirongolddev/cdispatch/internal/model"
	"github.com/theirongolddev/cdispatch/internal/workspace"
)

var (
	sessionsWorkspace string
	sessionsStatus    string
	sessionsProvider  string
	sessionsLimit     int
	sessionsJSON      bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions, newest first",
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().StringVarP(&sessionsWorkspace, "workspace", "w", "", "Filter to workspace directory")
	sessionsCmd.Flags().StringVarP(&sessionsStatus, "status", "s", "", "Filter to status")
	sessionsCmd.Flags().StringVarP(&sessionsProvider, "provider", "p", "", "Filter to provider")
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "l", 20, "Number of sessions to show (0 for all)")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print sessions as JSON")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, _ []string) error {
	f := model.SessionFilter{
		Status:   model.Status(sessionsStatus),
		Provider: sessionsProvider,
		Limit:    sessionsLimit,
	}
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("unknown status %q", sessionsStatus)
	}
	if sessionsWorkspace != "" {
		ws, err := workspace.Resolve(sessionsWorkspace)
		if err != nil {
			return err
		}
		f.WorkspacePath = ws
	}

	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	sessions, err := st.ListSessions(cmd.Context(), f)
	if err != nil {
		return err
	}
	if sessionsJSON {
		if sessions == nil {
			sessions = []model.Session{}
		}
		return printJSON(sessions)
	}
	if len(sessions) == 0 {
		fmt.Println("\n  No sessions found.")
		return nil
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle(fmt.Sprintf("SESSIONS  (showing %d)", len(sessions))))
	fmt.Println()

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			shortID(s.ID),
			s.Provider,
			string(s.Status),
			truncate(oneLine(s.TaskText()), 40),
			humanize.Time(s.CreatedAt),
		})
	}

	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"ID", "Provider", "Status", "Task", "Created"},
		Rows:    rows,
	}))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-1]) + "…"
}
