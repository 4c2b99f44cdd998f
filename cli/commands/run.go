package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/querydesk/querydesk/cli/internal/ui"
	"github.com/querydesk/querydesk/cli/internal/watch"
	"github.com/querydesk/querydesk/config"
	"github.com/querydesk/querydesk/engine"
	"github.com/querydesk/querydesk/exec"
	"github.com/querydesk/querydesk/model"
)

var (
	runFile     string
	runWatch    bool
	runAsync    bool
	runMessages bool
	runDocument bool
	runOffset   int64
	runLimit    int64
)

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Execute a statement and print its results",
	Long: `Execute one SQL statement or control command.

The statement comes from the argument or from --file. With --watch the
file is re-run on every save.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && runFile == "" {
			return fmt.Errorf("a query argument or --file is required")
		}
		if runWatch && runFile == "" {
			return fmt.Errorf("--watch requires --file")
		}

		ctx := cmd.Context()
		proc, qc, err := openProcessor(ctx)
		if err != nil {
			return err
		}
		defer proc.Close()

		runOnce := func() error {
			text := ""
			if len(args) > 0 {
				text = args[0]
			}
			if runFile != "" {
				raw, err := config.ReadFile(runFile)
				if err != nil {
					return fmt.Errorf("read query file: %w", err)
				}
				text = string(raw)
			}
			return executeAndPrint(ctx, qc, text)
		}

		if !runWatch {
			return runOnce()
		}

		w, err := watch.New(runFile, func() error {
			if err := runOnce(); err != nil {
				ui.PrintError("%v", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		defer w.Stop()
		if err := w.Start(); err != nil {
			return err
		}

		ui.PrintInfo("watching %s, press Ctrl+C to stop", runFile)
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt)
		<-stop
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "read the statement from a file")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "re-run the file on change")
	runCmd.Flags().BoolVar(&runAsync, "async", false, "run on a background task")
	runCmd.Flags().BoolVar(&runMessages, "messages", false, "collect server messages")
	runCmd.Flags().BoolVar(&runDocument, "document", false, "present rows as documents instead of a flat grid")
	runCmd.Flags().Int64Var(&runOffset, "offset", 0, "rows to skip")
	runCmd.Flags().Int64Var(&runLimit, "limit", 0, "row fetch cap (0 uses the configured quota)")
	rootCmd.AddCommand(runCmd)
}

func runOptions() exec.Options {
	opts := exec.Options{CollectMessages: runMessages}
	if runDocument {
		opts.DisplayMode = model.DisplayDocument
	}
	if runOffset > 0 || runLimit > 0 {
		opts.Filter = &model.Filter{Offset: runOffset, Limit: runLimit}
	}
	return opts
}

func executeAndPrint(ctx context.Context, qc *engine.Context, text string) error {
	if runAsync {
		return executeAsync(ctx, qc, text)
	}
	report, err := qc.Run(ctx, text, runOptions())
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

// executeAsync submits the run as a task and polls it to completion, so
// long statements stay cancellable with Ctrl+C.
func executeAsync(ctx context.Context, qc *engine.Context, text string) error {
	tasks := qc.Tasks()
	id, err := qc.RunAsync("run statement", text, runOptions())
	if err != nil {
		return err
	}

	spinner, _ := ui.PrintSpinner("Executing...")
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	for {
		snap, ok := tasks.Poll(id, true)
		if !ok {
			return fmt.Errorf("task %s disappeared", id)
		}
		if !snap.Running {
			if spinner != nil {
				spinner.Stop()
			}
			if snap.Err != nil {
				return snap.Err
			}
			if report, ok := snap.Result.(*exec.Report); ok {
				printReport(report)
			}
			return nil
		}
		if spinner != nil && snap.Progress != "" {
			spinner.UpdateText(snap.Progress)
		}
		select {
		case <-stop:
			tasks.Cancel(id)
		case <-ctx.Done():
			tasks.Cancel(id)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func printReport(report *exec.Report) {
	for _, res := range report.Results {
		if res.ID != "" {
			printGrid(&res)
		}
		ui.PrintStatus(res.Status, report.Duration.Round(time.Millisecond).String())
	}
	if len(report.Results) == 0 {
		ui.PrintStatus(report.Status, report.Duration.Round(time.Millisecond).String())
	}
	if report.FilterText != "" {
		ui.PrintInfo("filter: %s", report.FilterText)
	}
	for _, msg := range report.Messages {
		messagePrinter{}.Post(msg.Severity, msg.Text)
	}
}

func printGrid(res *exec.ResultPayload) {
	headers := make([]string, len(res.Columns))
	for i, col := range res.Columns {
		headers[i] = col.DisplayName()
	}
	rows := make([][]string, len(res.Rows))
	for i, row := range res.Rows {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = cellText(v)
		}
		rows[i] = cells
	}
	ui.PrintTable(headers, rows)
}

func cellText(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return t
	case map[string]any:
		if tag, ok := t["$type"].(string); ok {
			return "[" + tag + "]"
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", v)
	}
}
