package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/querydesk/querydesk/cli/internal/ui"
	"github.com/querydesk/querydesk/model"
)

var (
	readWhere    string
	readOrder    []string
	readOffset   int64
	readLimit    int64
	readDocument bool
)

var readCmd = &cobra.Command{
	Use:   "read <table>",
	Short: "Read a table through a declarative filter",
	Long: `Read rows from a table without writing SQL. Conditions, ordering and
paging are rendered into the backend dialect by the engine.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		proc, qc, err := openProcessor(ctx)
		if err != nil {
			return err
		}
		defer proc.Close()

		mode := model.DisplayRelational
		if readDocument {
			mode = model.DisplayDocument
		}

		payload, err := qc.ReadContainer(ctx, args[0], readFilter(), mode)
		if err != nil {
			return err
		}
		printGrid(payload)
		ui.PrintInfo("%s", payload.Status)
		if !payload.HasRowIdentifier {
			ui.PrintWarning("no row identifier, result is read-only")
		}
		return nil
	},
}

func init() {
	readCmd.Flags().StringVar(&readWhere, "where", "", "raw filter expression appended to the generated conditions")
	readCmd.Flags().StringSliceVar(&readOrder, "order", nil, "order columns, suffix :desc for descending")
	readCmd.Flags().Int64Var(&readOffset, "offset", 0, "rows to skip")
	readCmd.Flags().Int64Var(&readLimit, "limit", 0, "row fetch cap (0 uses the configured quota)")
	readCmd.Flags().BoolVar(&readDocument, "document", false, "present rows as documents instead of a flat grid")
	rootCmd.AddCommand(readCmd)
}

func readFilter() *model.Filter {
	f := &model.Filter{
		Where:  readWhere,
		Offset: readOffset,
		Limit:  readLimit,
	}
	for i, spec := range readOrder {
		col, dir, _ := strings.Cut(spec, ":")
		f.Constraints = append(f.Constraints, model.Constraint{
			Column:        col,
			OrderPosition: i + 1,
			OrderDesc:     strings.EqualFold(dir, "desc"),
		})
	}
	if !f.HasConditions() && len(f.Ordered()) == 0 && f.Offset == 0 && f.Limit == 0 {
		return nil
	}
	return f
}
