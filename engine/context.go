package engine

import (
	"context"
	"fmt"

	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/exec"
	"github.com/querydesk/querydesk/model"
	"github.com/querydesk/querydesk/reconcile"
	"github.com/querydesk/querydesk/resultset"
	"github.com/querydesk/querydesk/task"
)

// Context is one query context: a group of result sets sharing per-context
// connection defaults and a transaction-control surface. Many contexts may
// share one connection; each owns its session.
type Context struct {
	id       string
	proc     *Processor
	sess     driver.Session
	registry *resultset.Registry

	defaultCatalog string
	defaultSchema  string
}

// ID returns the context id.
func (c *Context) ID() string { return c.id }

// SetDefaults switches the context's default catalog and schema when the
// session supports it.
func (c *Context) SetDefaults(ctx context.Context, catalog, schema string) error {
	c.defaultCatalog, c.defaultSchema = catalog, schema
	if ds, ok := c.sess.(driver.DefaultsSetter); ok {
		return ds.SetDefaults(ctx, catalog, schema)
	}
	return nil
}

// Defaults returns the context's default catalog and schema.
func (c *Context) Defaults() (catalog, schema string) {
	return c.defaultCatalog, c.defaultSchema
}

// Tasks returns the task manager async runs are observed through.
func (c *Context) Tasks() *task.Manager { return c.proc.tasks }

func (c *Context) projector() *resultset.Projector {
	return &resultset.Projector{
		Registry:   c.registry,
		Transcoder: c.proc.trans,
		MaxRows:    c.proc.quotas.MaxRows,
	}
}

// Run executes one statement against this context.
func (c *Context) Run(ctx context.Context, sql string, opts exec.Options) (*exec.Report, error) {
	runner := &exec.Runner{
		Conn:      c.proc.conn,
		Projector: c.projector(),
		Quotas:    c.proc.quotas,
	}
	return runner.Run(ctx, sql, opts)
}

// RunAsync runs the statement on a background task and returns the task
// id. Progress and outcome are observed through the task manager.
func (c *Context) RunAsync(name, sql string, opts exec.Options) (string, error) {
	return c.proc.tasks.Submit(name, task.Unit{
		Run: func(ctx context.Context, progress func(string)) (any, error) {
			progress("Executing query")
			report, err := c.Run(ctx, sql, opts)
			if err != nil {
				return nil, err
			}
			progress(report.Status)
			return report, nil
		},
	})
}

// ReadContainer reads rows from a named container through the same
// projection pipeline, without SQL text.
func (c *Context) ReadContainer(ctx context.Context, name string, f *model.Filter, mode model.DisplayMode) (*exec.ResultPayload, error) {
	entity, err := c.proc.conn.Entity(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolve container %s: %w", name, err)
	}
	reader, ok := entity.(driver.Reader)
	if !ok {
		return nil, model.Validationf("container %s does not support reads", name)
	}

	var stmtOpts driver.StatementOptions
	if f != nil {
		stmtOpts.Offset = f.Offset
		stmtOpts.Limit = f.Limit
	}
	cur, err := reader.OpenCursor(ctx, c.sess, f, stmtOpts)
	if err != nil {
		return nil, fmt.Errorf("read container %s: %w", name, err)
	}
	defer cur.Close()

	proj, err := c.projector().Project(ctx, cur, mode)
	if err != nil {
		return nil, err
	}
	return &exec.ResultPayload{
		ID:               proj.Entry.ID,
		Columns:          proj.Columns,
		Rows:             proj.Rows,
		UpdateCount:      -1,
		HasRowIdentifier: proj.HasRowIdentifier,
		Filterable:       proj.Filterable,
		DocumentChildren: proj.DocumentChildren,
		Status:           fmt.Sprintf("%d row(s) fetched", len(proj.Rows)),
	}, nil
}

// CloseResult drops a result id, reporting whether it existed.
func (c *Context) CloseResult(id string) bool { return c.registry.Close(id) }

// Results lists the context's registered result sets.
func (c *Context) Results() []*resultset.Entry { return c.registry.List() }

// Edit reconciles row edits against a result id and executes them.
func (c *Context) Edit(ctx context.Context, resultID string, changes model.ChangeSet) (*reconcile.Result, error) {
	entry, err := c.registry.Lookup(resultID)
	if err != nil {
		return nil, err
	}
	rec := &reconcile.Reconciler{Conn: c.proc.conn, Transcoder: c.proc.trans}
	return rec.Execute(ctx, c.sess, entry, changes)
}

// EditScript reconciles the same edits but renders them as statement text
// without mutating anything.
func (c *Context) EditScript(ctx context.Context, resultID string, changes model.ChangeSet) (string, error) {
	entry, err := c.registry.Lookup(resultID)
	if err != nil {
		return "", err
	}
	rec := &reconcile.Reconciler{Conn: c.proc.conn, Transcoder: c.proc.trans}
	return rec.Script(ctx, c.sess, entry, changes)
}

// Autocommit reports the session's autocommit state.
func (c *Context) Autocommit() (bool, error) {
	tx := c.sess.Tx()
	if tx == nil {
		return true, nil
	}
	return tx.Autocommit()
}

// SetAutocommit switches the session's autocommit state.
func (c *Context) SetAutocommit(ctx context.Context, on bool) error {
	tx := c.sess.Tx()
	if tx == nil {
		return model.Validationf("connection does not support transactions")
	}
	return tx.SetAutocommit(ctx, on)
}

// Commit commits the session's transaction.
func (c *Context) Commit(ctx context.Context) error {
	tx := c.sess.Tx()
	if tx == nil {
		return model.Validationf("connection does not support transactions")
	}
	return tx.Commit(ctx)
}

// Rollback rolls back the session's transaction.
func (c *Context) Rollback(ctx context.Context) error {
	tx := c.sess.Tx()
	if tx == nil {
		return model.Validationf("connection does not support transactions")
	}
	return tx.Rollback(ctx, nil)
}
