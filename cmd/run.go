package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/cdispatch/internal/cli"
	"github.com/theirongolddev/cdispatch/internal/model"
	"github.com/theirongolddev/cdispatch/internal/router"
	"github.com/theirongolddev/cdispatch/internal/store"
)

var (
	runProvider  string
	runChat      bool
	runWorkspace string
	runTimeout   time.Duration
	runModel     string
	runEnv       map[string]string
	runJSON      bool
)

var runCmd = &cobra.Command{
	Use:   "run [task...]",
	Short: "Route a task to the best available provider",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runProvider, "provider", "p", "", "Preferred provider")
	runCmd.Flags().BoolVar(&runChat, "chat", false, "Interactive mode: forward stdin to the session")
	runCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", ".", "Workspace directory")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Task deadline (default from config)")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model passed to the provider")
	runCmd.Flags().StringToStringVarP(&runEnv, "env", "e", nil, "Extra environment for the process (KEY=VALUE)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the result as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(_ *cobra.Command, args []string) error {
	task := strings.TrimSpace(strings.Join(args, " "))
	if task == "" {
		return errors.New("task must not be empty")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	opts := router.RunOptions{
		Provider:  runProvider,
		Mode:      model.ModeTask,
		Workspace: runWorkspace,
		Timeout:   runTimeout,
		Model:     runModel,
		Env:       runEnv,
	}
	if runChat {
		opts.Mode = model.ModeChat
	}

	if !flagQuiet && !runJSON {
		fmt.Fprintf(os.Stderr, "  Dispatching %s task...\n", opts.Mode)
	}

	res, err := rt.router.Run(ctx, task, opts)
	if err != nil {
		return err
	}
	if runChat {
		res, err = interact(ctx, rt, res.SessionID)
		if err != nil {
			return err
		}
	}
	return printResult(res, runJSON)
}

// interact forwards stdin lines to a live session and echoes its log
// entries until the process exits.
func interact(ctx context.Context, rt *runtime, sessionID string) (model.RunResult, error) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, "  Session %s started. Type input, Ctrl-D to stop sending, Ctrl-C to terminate.\n", sessionID)
	}

	tailCtx, stopTail := context.WithCancel(ctx)
	tailDone := make(chan struct{})
	go func() {
		defer close(tailDone)
		tailLogs(tailCtx, rt.store, sessionID, os.Stdout)
	}()

	go forwardInput(ctx, rt.router, sessionID, os.Stdin)

	res, err := rt.router.WaitForSession(ctx, sessionID, 0)
	stopTail()
	<-tailDone

	if errors.Is(err, context.Canceled) {
		_ = rt.router.TerminateSession(context.Background(), sessionID, false)
		waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return rt.router.WaitForSession(waitCtx, sessionID, 0)
	}
	return res, err
}

func forwardInput(ctx context.Context, r *router.Router, sessionID string, in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := r.SendToSession(ctx, sessionID, sc.Text()); err != nil {
			return
		}
	}
}

// tailLogs prints non-user log entries as they are appended.
func tailLogs(ctx context.Context, st *store.Store, sessionID string, w io.Writer) {
	var lastID int64
	flush := func() {
		logs, err := st.GetSessionLogs(context.Background(), sessionID)
		if err != nil {
			return
		}
		for _, l := range logs {
			if l.ID <= lastID {
				continue
			}
			lastID = l.ID
			if l.Role == model.RoleUser {
				continue
			}
			_, _ = io.WriteString(w, l.Content)
		}
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}

func printResult(res model.RunResult, asJSON bool) error {
	if asJSON {
		return printJSON(res)
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle(fmt.Sprintf("%s  %s", strings.ToUpper(string(res.Status)), res.Provider)))
	fmt.Println()
	if res.Summary != "" {
		fmt.Printf("  %s\n\n", res.Summary)
	}

	s := res.Stats
	rows := [][]string{
		{"Session", res.SessionID},
		{"Duration", cli.FormatDuration(int64(s.DurationSeconds))},
		{"Tokens in/out", cli.FormatTokens(s.TokensIn) + " / " + cli.FormatTokens(s.TokensOut)},
		{"Cost", cli.FormatCost(s.CostEstimate)},
		{"Files changed", fmt.Sprintf("%d (+%d -%d)", s.FilesChanged, s.LinesAdded, s.LinesRemoved)},
	}
	fmt.Print(cli.RenderTable(cli.Table{Rows: rows}))

	if len(res.QualityChecks) > 0 {
		checkRows := make([][]string, 0, len(res.QualityChecks))
		for _, qc := range res.QualityChecks {
			checkRows = append(checkRows, []string{qc.Name, passFail(qc.Passed)})
		}
		fmt.Println()
		fmt.Print(cli.RenderTable(cli.Table{
			Title:   "Quality checks",
			Headers: []string{"Check", "Result"},
			Rows:    checkRows,
		}))
	}

	if res.Status != model.StatusCompleted && res.Status != model.StatusRunning {
		return fmt.Errorf("session %s ended %s", res.SessionID, res.Status)
	}
	return nil
}

func passFail(ok bool) string {
	if ok {
		return "pass"
	}
	return "FAIL"
}
