// Package exec orchestrates single-statement execution: declarative
// filter rewrite, statement timeout, multi-result iteration over the
// produced cursors and update counts, and the unified execution report.
package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/querydesk/querydesk/config"
	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/internal/debug"
	"github.com/querydesk/querydesk/model"
	"github.com/querydesk/querydesk/resultset"
)

// Runner executes ad-hoc statements against one connection.
type Runner struct {
	Conn      driver.Connection
	Projector *resultset.Projector
	Quotas    config.Quotas
}

// Options tune one run.
type Options struct {
	Filter          *model.Filter
	DisplayMode     model.DisplayMode
	CollectMessages bool

	// ReplaceResult names an existing result id this run supersedes.
	// The old entry is released once the run succeeds; ids themselves
	// are never reused.
	ReplaceResult string
}

// ResultPayload is one produced result inside a report.
type ResultPayload struct {
	ID               string
	Columns          []driver.Column
	Rows             [][]any
	UpdateCount      int64
	HasRowIdentifier bool
	Filterable       bool
	DocumentChildren bool
	Status           string
}

// Report is the unified outcome of one run.
type Report struct {
	Duration   time.Duration
	QueryText  string
	FilterText string
	Results    []ResultPayload
	Status     string
	Messages   []driver.ServerMessage
}

// Run executes exactly one statement or control command parsed from the
// given text. Partial results produced before a failure are discarded.
func (r *Runner) Run(ctx context.Context, sql string, opts Options) (*Report, error) {
	start := time.Now()
	dialect := r.Conn.Dialect()

	text := sql
	filterText := ""
	filtered := opts.Filter.HasConditions()
	if filtered {
		rewritten, err := dialect.ApplyFilter(sql, opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("apply filter: %w", err)
		}
		text = rewritten
		filterText = dialect.RenderPredicate(opts.Filter)
	}

	if dialect.IsControlCommand(text) {
		if err := r.runControl(ctx, text); err != nil {
			return nil, err
		}
		return &Report{
			Duration:  time.Since(start),
			QueryText: text,
			Status:    "Executed",
		}, nil
	}

	purpose := driver.PurposeUser
	if filtered {
		purpose = driver.PurposeUserFiltered
	}
	sess, err := r.Conn.OpenSession(ctx, purpose)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stmtOpts driver.StatementOptions
	if opts.Filter != nil {
		stmtOpts.Offset = opts.Filter.Offset
		stmtOpts.Limit = opts.Filter.Limit
	}
	stmt, err := sess.Prepare(ctx, text, stmtOpts)
	if err != nil {
		return nil, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	if r.Quotas.StatementTimeout > 0 {
		if err := stmt.SetTimeout(r.Quotas.StatementTimeout); err != nil {
			if !errors.Is(err, driver.ErrTimeoutUnsupported) {
				return nil, fmt.Errorf("set statement timeout: %w", err)
			}
			debug.Warn("driver does not support statement timeout, running unbounded")
		}
	}

	var join func() []driver.ServerMessage
	if opts.CollectMessages {
		if src, ok := sess.(driver.MessageSource); ok {
			join = collectMessages(ctx, src)
		}
	}

	report := &Report{QueryText: stmt.QueryText(), FilterText: filterText}

	// fail joins the message reader and drops any results this run
	// already registered, so a discarded report leaves no entries behind.
	fail := func(err error) (*Report, error) {
		if join != nil {
			join()
		}
		for _, res := range report.Results {
			r.Projector.Registry.Close(res.ID)
		}
		return nil, err
	}

	isCursor, err := stmt.Execute(ctx)
	if err != nil {
		return fail(fmt.Errorf("execute query: %w", err))
	}

	maxResults := r.Conn.MaxResults()
	if maxResults <= 0 {
		maxResults = 1
	}
	var updateSum int64
	sawCursor := false
	for produced := 0; produced < maxResults; produced++ {
		if isCursor {
			cur, err := stmt.Cursor()
			if err != nil {
				return fail(fmt.Errorf("open cursor: %w", err))
			}
			proj, err := r.Projector.Project(ctx, cur, opts.DisplayMode)
			cur.Close()
			if err != nil {
				return fail(err)
			}
			sawCursor = true
			report.Results = append(report.Results, ResultPayload{
				ID:               proj.Entry.ID,
				Columns:          proj.Columns,
				Rows:             proj.Rows,
				UpdateCount:      -1,
				HasRowIdentifier: proj.HasRowIdentifier,
				Filterable:       proj.Filterable,
				DocumentChildren: proj.DocumentChildren,
				Status:           fmt.Sprintf("%d row(s) fetched", len(proj.Rows)),
			})
		} else if n := stmt.UpdateCount(); n >= 0 {
			updateSum += n
		}
		more, nextIsCursor, err := stmt.NextResult(ctx)
		if err != nil {
			return fail(fmt.Errorf("advance to next result: %w", err))
		}
		if !more {
			break
		}
		isCursor = nextIsCursor
	}

	if join != nil {
		report.Messages = join()
	}

	if !sawCursor {
		status := "No Data"
		if updateSum > 0 {
			status = "Executed"
		}
		report.Results = append(report.Results, ResultPayload{
			UpdateCount: updateSum,
			Status:      status,
		})
	}
	report.Status = report.Results[0].Status
	report.Duration = time.Since(start)

	if opts.ReplaceResult != "" {
		r.Projector.Registry.Close(opts.ReplaceResult)
	}
	return report, nil
}

// runControl executes a control command on a side-channel script session.
func (r *Runner) runControl(ctx context.Context, text string) error {
	sess, err := r.Conn.OpenSession(ctx, driver.PurposeUtility)
	if err != nil {
		return fmt.Errorf("open script session: %w", err)
	}
	defer sess.Close()

	sc, ok := sess.(driver.ScriptContext)
	if !ok {
		return model.Validationf("driver does not support control commands")
	}
	if err := sc.RunCommand(ctx, text); err != nil {
		return fmt.Errorf("run control command: %w", err)
	}
	return nil
}

// collectMessages starts the concurrent server-message reader and returns
// its join function, which performs a final drain.
func collectMessages(ctx context.Context, src driver.MessageSource) func() []driver.ServerMessage {
	done := make(chan struct{})
	out := make(chan []driver.ServerMessage, 1)
	go func() {
		var msgs []driver.ServerMessage
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				if more, err := src.DrainMessages(ctx); err == nil {
					msgs = append(msgs, more...)
				}
				out <- msgs
				return
			case <-ctx.Done():
				out <- msgs
				return
			case <-ticker.C:
				more, err := src.DrainMessages(ctx)
				if err != nil {
					debug.Debug("message drain failed", "err", err)
					continue
				}
				msgs = append(msgs, more...)
			}
		}
	}()
	return func() []driver.ServerMessage {
		close(done)
		return <-out
	}
}
