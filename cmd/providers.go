package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/cdispatch/internal/cli"
	"github.com/theirongolddev/cdispatch/internal/provider"
	"github.com/theirongolddev/cdispatch/internal/router"
)

var providersJSON bool

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List registered providers and whether they are installed",
	RunE:  runProviders,
}

func init() {
	providersCmd.Flags().BoolVar(&providersJSON, "json", false, "Print as JSON")
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	infos := rt.router.Providers(cmd.Context())
	if providersJSON {
		return printJSON(infos)
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("PROVIDERS"))
	fmt.Println()

	rows := make([][]string, 0, len(infos))
	for _, p := range infos {
		rows = append(rows, []string{
			p.Name,
			p.Command,
			yesNo(p.Enabled),
			yesNo(p.Available),
			capabilityList(p.Capabilities),
		})
	}
	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Name", "Command", "Enabled", "Installed", "Capabilities"},
		Rows:    rows,
	}))

	if !flagQuiet {
		fmt.Println()
		for _, p := range infos {
			printConfigPaths(p)
		}
	}
	return nil
}

func printConfigPaths(p router.ProviderInfo) {
	if p.MCPConfig != "" {
		fmt.Printf("  %s MCP config:    %s\n", p.Name, p.MCPConfig)
	}
	if p.SkillsConfig != "" {
		fmt.Printf("  %s skills config: %s\n", p.Name, p.SkillsConfig)
	}
}

func capabilityList(c provider.Capabilities) string {
	var out []string
	for _, f := range []struct {
		on   bool
		name string
	}{
		{c.Chat, "chat"},
		{c.Task, "task"},
		{c.Resume, "resume"},
		{c.Streaming, "stream"},
		{c.MCP, "mcp"},
		{c.Skills, "skills"},
	} {
		if f.on {
			out = append(out, f.name)
		}
	}
	return strings.Join(out, ",")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
