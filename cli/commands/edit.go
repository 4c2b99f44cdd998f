package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/querydesk/querydesk/cli/internal/ui"
	"github.com/querydesk/querydesk/config"
	"github.com/querydesk/querydesk/exec"
	"github.com/querydesk/querydesk/model"
)

var (
	editFile   string
	editScript bool
	editOut    string
	editYes    bool
)

// changeFile is the on-disk description of a grid edit: new rows, updates
// and deletes addressed by column name.
type changeFile struct {
	Add    []map[string]any `json:"add"`
	Update []struct {
		Where map[string]any `json:"where"`
		Set   map[string]any `json:"set"`
	} `json:"update"`
	Delete []struct {
		Where map[string]any `json:"where"`
	} `json:"delete"`
}

var editCmd = &cobra.Command{
	Use:   "edit <table>",
	Short: "Apply a change file to a table",
	Long: `Apply added, updated and deleted rows described in a JSON change file.
Changes are reconciled into batched DML inside one transaction. With
--script the generated statements are printed instead of executed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if editFile == "" {
			return fmt.Errorf("--file is required")
		}

		ctx := cmd.Context()
		proc, qc, err := openProcessor(ctx)
		if err != nil {
			return err
		}
		defer proc.Close()

		payload, err := qc.ReadContainer(ctx, args[0], nil, model.DisplayRelational)
		if err != nil {
			return err
		}
		if !payload.HasRowIdentifier {
			return model.Validationf("table %s has no row identifier, refusing to edit", args[0])
		}

		raw, err := config.ReadFile(editFile)
		if err != nil {
			return fmt.Errorf("read change file: %w", err)
		}
		var cf changeFile
		if err := json.Unmarshal(raw, &cf); err != nil {
			return fmt.Errorf("parse change file: %w", err)
		}

		changes, err := buildChangeSet(payload, &cf)
		if err != nil {
			return err
		}
		if changes.Empty() {
			ui.PrintInfo("nothing to do")
			return nil
		}

		if editScript {
			script, err := qc.EditScript(ctx, payload.ID, changes)
			if err != nil {
				return err
			}
			if editOut != "" {
				if err := config.WriteFile(editOut, []byte(script)); err != nil {
					return fmt.Errorf("write script: %w", err)
				}
				ui.PrintSuccess("script written to %s", editOut)
				return nil
			}
			ui.PrintCodeBlock(script)
			return nil
		}

		if !editYes {
			summary := fmt.Sprintf("Apply %d insert(s), %d update(s), %d delete(s) to %s?",
				len(changes.Added), len(changes.Updated), len(changes.Deleted), args[0])
			confirmed := false
			if err := survey.AskOne(&survey.Confirm{Message: summary}, &confirmed); err != nil {
				return err
			}
			if !confirmed {
				ui.PrintInfo("aborted")
				return nil
			}
		}

		result, err := qc.Edit(ctx, payload.ID, changes)
		if err != nil {
			return err
		}
		ui.PrintSuccess("%d row(s) affected", result.UpdateCount)
		return nil
	},
}

func init() {
	editCmd.Flags().StringVarP(&editFile, "file", "f", "", "JSON change file")
	editCmd.Flags().BoolVar(&editScript, "script", false, "print the DML script instead of executing")
	editCmd.Flags().StringVarP(&editOut, "out", "o", "", "write the script to a file (with --script)")
	editCmd.Flags().BoolVarP(&editYes, "yes", "y", false, "skip the confirmation prompt")
	rootCmd.AddCommand(editCmd)
}

// buildChangeSet resolves the named columns and row addresses of a change
// file against the fetched result snapshot.
func buildChangeSet(payload *exec.ResultPayload, cf *changeFile) (model.ChangeSet, error) {
	var changes model.ChangeSet

	ordinals := make(map[string]int, len(payload.Columns))
	for i, col := range payload.Columns {
		ordinals[col.Name] = i
	}
	resolve := func(name string) (int, error) {
		ord, ok := ordinals[name]
		if !ok {
			return 0, model.Validationf("unknown column %q", name)
		}
		return ord, nil
	}

	for _, add := range cf.Add {
		row := model.Row{Data: make([]any, len(payload.Columns))}
		for name, v := range add {
			ord, err := resolve(name)
			if err != nil {
				return changes, err
			}
			row.Data[ord] = v
		}
		changes.Added = append(changes.Added, row)
	}

	for _, upd := range cf.Update {
		snapshot, err := findRow(payload, upd.Where)
		if err != nil {
			return changes, err
		}
		updates := make(map[int]any, len(upd.Set))
		for name, v := range upd.Set {
			ord, err := resolve(name)
			if err != nil {
				return changes, err
			}
			updates[ord] = v
		}
		changes.Updated = append(changes.Updated, model.UpdatedRow{Row: snapshot, Updates: updates})
	}

	for _, del := range cf.Delete {
		snapshot, err := findRow(payload, del.Where)
		if err != nil {
			return changes, err
		}
		changes.Deleted = append(changes.Deleted, snapshot)
	}
	return changes, nil
}

func findRow(payload *exec.ResultPayload, where map[string]any) (model.Row, error) {
	if len(where) == 0 {
		return model.Row{}, model.Validationf("change entry has an empty where clause")
	}
next:
	for _, data := range payload.Rows {
		for name, want := range where {
			ord, ok := ordinalOf(payload, name)
			if !ok {
				return model.Row{}, model.Validationf("unknown column %q", name)
			}
			if !looseEqual(data[ord], want) {
				continue next
			}
		}
		return model.Row{Data: data}, nil
	}
	return model.Row{}, model.Validationf("no fetched row matches %v", where)
}

func ordinalOf(payload *exec.ResultPayload, name string) (int, bool) {
	for i, col := range payload.Columns {
		if col.Name == name {
			return i, true
		}
	}
	return 0, false
}

// looseEqual compares a transport cell against a JSON value; numbers are
// compared by canonical text so "42" matches 42.
func looseEqual(cell, want any) bool {
	return canonical(cell) == canonical(want)
}

func canonical(v any) string {
	switch t := v.(type) {
	case nil:
		return "<null>"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", v)
	}
}
