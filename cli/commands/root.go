// Package commands wires the querydesk CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/querydesk/querydesk/cli/internal/ui"
	"github.com/querydesk/querydesk/config"
	"github.com/querydesk/querydesk/driver/sqladapter"
	"github.com/querydesk/querydesk/engine"
	"github.com/querydesk/querydesk/internal/debug"
	"github.com/querydesk/querydesk/model"
)

// Version is set by the build.
var Version = "dev"

var (
	flagDebug    bool
	flagProvider string
	flagURL      string
)

var rootCmd = &cobra.Command{
	Use:     "querydesk",
	Short:   "Run queries and edit data over SQL databases",
	Long:    "querydesk executes SQL, pages through results and reconciles grid edits back into batched DML.",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.Init(flagDebug)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagProvider, "provider", "", "database provider (postgres, mysql, sqlite)")
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "database connection URL")
}

// Execute is the CLI entry point.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		ui.PrintError("%v", err)
		return err
	}
	return nil
}

// messagePrinter forwards engine messages to the terminal with
// severity-matched colors.
type messagePrinter struct{}

func (messagePrinter) Post(severity model.Severity, text string) {
	printers := ui.Printers()
	switch severity {
	case model.SeverityError:
		printers["error"].Println(text)
	case model.SeverityWarn:
		printers["warning"].Println(text)
	default:
		printers["notice"].Println(text)
	}
}

// openProcessor loads configuration, connects and builds the engine with
// one query context.
func openProcessor(ctx context.Context) (*engine.Processor, *engine.Context, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if flagProvider != "" {
		cfg.Database.Provider = flagProvider
	}
	if flagURL != "" {
		cfg.Database.URL = flagURL
	}
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("no database URL configured (use --url or .querydesk.yaml)")
	}

	conn, err := sqladapter.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	proc := engine.New(conn, cfg.Quotas, messagePrinter{})
	qc, err := proc.CreateContext(ctx)
	if err != nil {
		proc.Close()
		conn.Close()
		return nil, nil, err
	}
	return proc, qc, nil
}
