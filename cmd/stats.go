package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/cdispatch/internal/cli"
	"github.com/theirongolddev/cdispatch/internal/model"
	"github.com/theirongolddev/cdispatch/internal/workspace"
)

var (
	statsDays      int
	statsProvider  string
	statsWorkspace string
	statsJSON      bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate usage across sessions",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().IntVarP(&statsDays, "days", "n", 30, "Time window in days (0 for all time)")
	statsCmd.Flags().StringVarP(&statsProvider, "provider", "p", "", "Filter to provider")
	statsCmd.Flags().StringVarP(&statsWorkspace, "workspace", "w", "", "Filter to workspace directory")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
	f := model.AggregateFilter{Provider: statsProvider}
	if statsDays > 0 {
		f.FromDate = time.Now().AddDate(0, 0, -statsDays)
	}
	if statsWorkspace != "" {
		ws, err := workspace.Resolve(statsWorkspace)
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

	agg, err := st.GetAggregatedStats(cmd.Context(), f)
	if err != nil {
		return err
	}
	if statsJSON {
		return printJSON(agg)
	}

	window := "All time"
	if statsDays > 0 {
		window = fmt.Sprintf("Last %dd", statsDays)
	}
	fmt.Println()
	fmt.Println(cli.RenderTitle("USAGE  " + window))
	fmt.Println()

	if agg.TotalSessions == 0 {
		fmt.Println("  No sessions in the selected range.")
		return nil
	}

	fmt.Print(cli.RenderTable(cli.Table{Rows: [][]string{
		{"Sessions", cli.FormatNumber(int64(agg.TotalSessions))},
		{"Completed", cli.FormatNumber(int64(agg.CompletedSessions))},
		{"Failed", cli.FormatNumber(int64(agg.FailedSessions))},
		{"Success rate", cli.FormatPercent(agg.SuccessRate())},
		{"---"},
		{"Tokens in", cli.FormatTokens(agg.TokensIn)},
		{"Tokens out", cli.FormatTokens(agg.TokensOut)},
		{"Cost", cli.FormatCost(agg.TotalCost)},
		{"Files changed", cli.FormatNumber(agg.FilesChanged)},
		{"Lines +/-", fmt.Sprintf("+%s -%s", cli.FormatNumber(agg.LinesAdded), cli.FormatNumber(agg.LinesRemoved))},
		{"Time", cli.FormatDuration(int64(agg.DurationSeconds))},
	}}))

	if len(agg.ByProvider) > 0 {
		rows := make([][]string, 0, len(agg.ByProvider))
		for _, p := range agg.ByProvider {
			rows = append(rows, []string{
				p.Provider,
				cli.FormatNumber(int64(p.Sessions)),
				cli.FormatNumber(int64(p.Completed)),
				cli.FormatTokens(p.TokensIn + p.TokensOut),
				cli.FormatCost(p.Cost),
				fmt.Sprintf("%.1f%%", p.SharePercent),
			})
		}
		fmt.Println()
		fmt.Print(cli.RenderTable(cli.Table{
			Title:   "By provider",
			Headers: []string{"Provider", "Sessions", "Done", "Tokens", "Cost", "Share"},
			Rows:    rows,
		}))
	}
	return nil
}
