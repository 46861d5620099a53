package cmd

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/cdispatch/internal/apperr"
	"github.com/theirongolddev/cdispatch/internal/cli"
	"github.com/theirongolddev/cdispatch/internal/model"
)

var (
	showLogs bool
	showJSON bool
)

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session with its stats, checks and logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showLogs, "logs", false, "Include the conversation log")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print as JSON")
	rootCmd.AddCommand(showCmd)
}

type sessionReport struct {
	Session       model.Session        `json:"session"`
	Stats         *model.SessionStats  `json:"stats,omitempty"`
	QualityChecks []model.QualityCheck `json:"quality_checks,omitempty"`
	Logs          []model.SessionLog   `json:"logs,omitempty"`
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	id := args[0]
	sess, ok, err := st.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.SessionNotFound(id)
	}

	report := sessionReport{Session: sess}
	if stats, found, err := st.GetSessionStats(ctx, id); err != nil {
		return err
	} else if found {
		report.Stats = &stats
	}
	if report.QualityChecks, err = st.GetQualityChecks(ctx, id); err != nil {
		return err
	}
	if showLogs || showJSON {
		if report.Logs, err = st.GetSessionLogs(ctx, id); err != nil {
			return err
		}
	}

	if showJSON {
		return printJSON(report)
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("SESSION " + shortID(sess.ID)))
	fmt.Println()

	rows := [][]string{
		{"ID", sess.ID},
		{"Provider", sess.Provider},
		{"Status", string(sess.Status)},
		{"Workspace", sess.WorkspacePath},
		{"Created", sess.CreatedAt.Local().Format("Jan 02 15:04:05") + " (" + humanize.Time(sess.CreatedAt) + ")"},
	}
	if sess.NativeSessionID != nil {
		rows = append(rows, []string{"Native session", *sess.NativeSessionID})
	}
	if sess.PID != nil {
		rows = append(rows, []string{"PID", fmt.Sprintf("%d", *sess.PID)})
	}
	if s := report.Stats; s != nil {
		rows = append(rows,
			[]string{"---"},
			[]string{"Duration", cli.FormatDuration(int64(s.DurationSeconds))},
			[]string{"Tokens in", cli.FormatTokens(s.TokensIn)},
			[]string{"Tokens out", cli.FormatTokens(s.TokensOut)},
			[]string{"Cost", cli.FormatCost(s.CostEstimate)},
			[]string{"Files changed", fmt.Sprintf("%d (+%d -%d)", s.FilesChanged, s.LinesAdded, s.LinesRemoved)},
		)
	}
	fmt.Print(cli.RenderTable(cli.Table{Rows: rows}))

	if task := sess.TaskText(); task != "" {
		fmt.Printf("\n  Task: %s\n", oneLine(task))
	}

	if len(report.QualityChecks) > 0 {
		checkRows := make([][]string, 0, len(report.QualityChecks))
		for _, qc := range report.QualityChecks {
			checkRows = append(checkRows, []string{qc.Name, passFail(qc.Passed)})
		}
		fmt.Println()
		fmt.Print(cli.RenderTable(cli.Table{
			Title:   "Quality checks",
			Headers: []string{"Check", "Result"},
			Rows:    checkRows,
		}))
	}

	if showLogs {
		fmt.Println()
		for _, l := range report.Logs {
			content := strings.TrimRight(l.Content, "\n")
			fmt.Printf("  [%s] %-9s %s\n", l.Timestamp.Local().Format("15:04:05"), l.Role, content)
		}
	}
	return nil
}
