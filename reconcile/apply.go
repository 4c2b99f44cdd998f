package reconcile

import (
	"context"
	"fmt"

	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/internal/debug"
	"github.com/querydesk/querydesk/model"
	"github.com/querydesk/querydesk/resultset"
)

// executeGroup runs one identifier's batches: deletes, then inserts, then
// updates, rows in submission order.
func (r *Reconciler) executeGroup(ctx context.Context, sess driver.Session, g *group, entry *resultset.Entry, changes model.ChangeSet) (int64, error) {
	var total int64

	if len(g.deletes) > 0 {
		batch, err := g.entity.Delete(ctx, sess, g.keyCols)
		if err != nil {
			return 0, fmt.Errorf("open delete batch on %s: %w", g.ident.Entity, err)
		}
		n, err := runBatch(ctx, batch, func(b driver.Batch) error {
			for _, item := range g.deletes {
				if err := b.Add(item.keyVals); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("delete from %s: %w", g.ident.Entity, err)
		}
		total += n
	}

	for _, run := range insertRuns(g.inserts) {
		pending := append([]*insertItem(nil), run...)
		var receiver driver.KeyReceiver
		if wantsKeys(run) {
			receiver = func(cols []driver.Column, values []any) {
				if len(pending) == 0 {
					return
				}
				item := pending[0]
				pending = pending[1:]
				r.fillGeneratedKeys(ctx, entry, &changes.Added[item.rowIndex], cols, values)
			}
		}
		batch, err := g.entity.Insert(ctx, sess, run[0].cols, receiver)
		if err != nil {
			return 0, fmt.Errorf("open insert batch on %s: %w", g.ident.Entity, err)
		}
		n, err := runBatch(ctx, batch, func(b driver.Batch) error {
			for _, item := range run {
				if err := b.Add(item.vals); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("insert into %s: %w", g.ident.Entity, err)
		}
		total += n
	}

	for _, run := range updateRuns(g.updates) {
		batch, err := g.entity.Update(ctx, sess, run[0].setCols, g.keyCols)
		if err != nil {
			return 0, fmt.Errorf("open update batch on %s: %w", g.ident.Entity, err)
		}
		n, err := runBatch(ctx, batch, func(b driver.Batch) error {
			for _, item := range run {
				if err := b.Add(append(append([]any{}, item.setVals...), item.keyVals...)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("update %s: %w", g.ident.Entity, err)
		}
		total += n
	}

	return total, nil
}

// renderGroup renders the same batches as statement text.
func (r *Reconciler) renderGroup(ctx context.Context, sess driver.Session, g *group) ([]string, error) {
	var out []string

	render := func(batch driver.Batch, fill func(driver.Batch) error) error {
		defer batch.Close()
		if err := fill(batch); err != nil {
			return err
		}
		stmts, err := batch.Render(ctx)
		if err != nil {
			return err
		}
		out = append(out, stmts...)
		return nil
	}

	if len(g.deletes) > 0 {
		batch, err := g.entity.Delete(ctx, sess, g.keyCols)
		if err != nil {
			return nil, fmt.Errorf("script delete on %s: %w", g.ident.Entity, err)
		}
		if err := render(batch, func(b driver.Batch) error {
			for _, item := range g.deletes {
				if err := b.Add(item.keyVals); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	for _, run := range insertRuns(g.inserts) {
		batch, err := g.entity.Insert(ctx, sess, run[0].cols, nil)
		if err != nil {
			return nil, fmt.Errorf("script insert on %s: %w", g.ident.Entity, err)
		}
		if err := render(batch, func(b driver.Batch) error {
			for _, item := range run {
				if err := b.Add(item.vals); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	for _, run := range updateRuns(g.updates) {
		batch, err := g.entity.Update(ctx, sess, run[0].setCols, g.keyCols)
		if err != nil {
			return nil, fmt.Errorf("script update on %s: %w", g.ident.Entity, err)
		}
		if err := render(batch, func(b driver.Batch) error {
			for _, item := range run {
				if err := b.Add(append(append([]any{}, item.setVals...), item.keyVals...)); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func runBatch(ctx context.Context, batch driver.Batch, fill func(driver.Batch) error) (int64, error) {
	defer batch.Close()
	if err := fill(batch); err != nil {
		return 0, err
	}
	return batch.Execute(ctx)
}

// fillGeneratedKeys writes driver-reported generated key values into the
// added row's snapshot, in transport form.
func (r *Reconciler) fillGeneratedKeys(ctx context.Context, entry *resultset.Entry, row *model.Row, cols []driver.Column, values []any) {
	leafCols := entry.LeafColumns()
	for i, kc := range cols {
		if i >= len(values) {
			break
		}
		for ord, lc := range leafCols {
			if lc.Name == kc.Name && ord < len(row.Data) {
				row.Data[ord] = r.Transcoder.ToTransport(ctx, lc, values[i])
				break
			}
		}
	}
}

// resultRows assembles the post-mutation snapshots for added and updated
// rows. When the source supports authoritative re-fetch and the row's key
// resolves, the snapshot is overwritten from a single-row re-read.
func (r *Reconciler) resultRows(ctx context.Context, sess driver.Session, entry *resultset.Entry, changes model.ChangeSet) []model.Row {
	var rows []model.Row
	for ai := range changes.Added {
		r.refetchRow(ctx, sess, entry, &changes.Added[ai])
		rows = append(rows, changes.Added[ai])
	}
	for ui := range changes.Updated {
		r.refetchRow(ctx, sess, entry, &changes.Updated[ui].Row)
		rows = append(rows, changes.Updated[ui].Row)
	}
	return rows
}

func (r *Reconciler) refetchRow(ctx context.Context, sess driver.Session, entry *resultset.Entry, row *model.Row) {
	reader, ok := entry.Source.(driver.Reader)
	if !ok {
		return
	}
	defaultID := entry.DefaultIdentifier()
	if !defaultID.Valid() {
		return
	}

	filter := &model.Filter{Limit: 1}
	for _, ki := range defaultID.Columns {
		n := entry.Arena.Node(ki)
		if n.FlatOrdinal >= len(row.Data) || row.Data[n.FlatOrdinal] == nil {
			return // unresolvable key: keep the local snapshot
		}
		nv, err := r.Transcoder.ToNative(n.Column, row.Data[n.FlatOrdinal])
		if err != nil || nv == nil {
			return
		}
		filter.Constraints = append(filter.Constraints, model.Constraint{
			Column: n.Column.Name, Operator: "=", Value: nv,
		})
	}

	cur, err := reader.OpenCursor(ctx, sess, filter, driver.StatementOptions{Limit: 1})
	if err != nil {
		debug.Warn("post-edit re-read failed", "container", entry.Source.Name(), "err", err)
		return
	}
	defer cur.Close()

	more, err := cur.Next(ctx)
	if err != nil || !more {
		return
	}

	leafCols := entry.LeafColumns()
	for ci, cc := range cur.Columns() {
		for ord, lc := range leafCols {
			if lc.Name != cc.Name || ord >= len(row.Data) {
				continue
			}
			v, err := cur.Cell(ctx, ci)
			if err != nil {
				v = driver.CellError{Err: err}
			}
			row.Data[ord] = r.Transcoder.ToTransport(ctx, lc, v)
			break
		}
	}
}

// insertRuns groups insert items by column signature, preserving first
// occurrence order and submission order within a run.
func insertRuns(items []*insertItem) [][]*insertItem {
	var runs [][]*insertItem
	index := map[string]int{}
	for _, item := range items {
		sig := columnSignature(item.cols)
		i, ok := index[sig]
		if !ok {
			i = len(runs)
			index[sig] = i
			runs = append(runs, nil)
		}
		runs[i] = append(runs[i], item)
	}
	return runs
}

func updateRuns(items []*updateItem) [][]*updateItem {
	var runs [][]*updateItem
	index := map[string]int{}
	for _, item := range items {
		sig := columnSignature(item.setCols)
		i, ok := index[sig]
		if !ok {
			i = len(runs)
			index[sig] = i
			runs = append(runs, nil)
		}
		runs[i] = append(runs[i], item)
	}
	return runs
}

func wantsKeys(items []*insertItem) bool {
	for _, item := range items {
		if item.wantKeys {
			return true
		}
	}
	return false
}
