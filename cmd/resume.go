package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var resumeJSON bool

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a session in chat mode using the provider's own session",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeJSON, "json", false, "Print the final result as JSON")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(_ *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.router.ResumeSession(ctx, args[0])
	if err != nil {
		return err
	}
	if !flagQuiet && !resumeJSON {
		fmt.Fprintf(os.Stderr, "  Resumed %s session\n", res.Provider)
	}

	res, err = interact(ctx, rt, res.SessionID)
	if err != nil {
		return err
	}
	return printResult(res, resumeJSON)
}
