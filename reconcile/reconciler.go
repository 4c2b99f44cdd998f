// Package reconcile turns user-submitted row edits (added, updated and
// deleted grid rows) into correctly-ordered batched mutations against the
// originating containers, executing them under explicit transaction
// control or rendering them as reviewable statement text.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/querydesk/querydesk/bindings"
	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/internal/debug"
	"github.com/querydesk/querydesk/model"
	"github.com/querydesk/querydesk/resultset"
	"github.com/querydesk/querydesk/transcode"
)

// Reconciler compiles edit change sets into mutation batches.
type Reconciler struct {
	Conn       driver.Connection
	Transcoder *transcode.Transcoder
}

// Result reports an executed reconciliation: the total affected-row count
// and the post-mutation row snapshots, deduplicated per physical row.
type Result struct {
	UpdateCount int64
	Rows        []model.Row
}

// plan is the per-identifier mutation work compiled from a change set.
type plan struct {
	groups []*group
}

// group collects the work routed to one row identifier.
type group struct {
	ident   *bindings.RowIdentifier
	entity  driver.Manipulator
	keyCols []driver.Column

	deletes []*deleteItem
	inserts []*insertItem
	updates []*updateItem
}

type updateItem struct {
	rowIndex int
	setCols  []driver.Column
	setVals  []any
	keyVals  []any
}

type insertItem struct {
	rowIndex int
	cols     []driver.Column
	vals     []any
	wantKeys bool
}

type deleteItem struct {
	keyVals []any
}

// Execute compiles the change set and applies it against the backend
// within one transaction scope. Any value conversion failure aborts the
// whole reconciliation before I/O.
func (r *Reconciler) Execute(ctx context.Context, sess driver.Session, entry *resultset.Entry, changes model.ChangeSet) (*Result, error) {
	if changes.Empty() {
		return &Result{}, nil
	}
	p, err := r.compile(ctx, sess, entry, changes, false)
	if err != nil {
		return nil, err
	}

	var total int64
	err = withTransaction(ctx, sess.Tx(), func() error {
		for _, g := range p.groups {
			n, err := r.executeGroup(ctx, sess, g, entry, changes)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows := r.resultRows(ctx, sess, entry, changes)
	return &Result{UpdateCount: total, Rows: rows}, nil
}

// Script compiles the same batches but renders them as persistable
// statement text instead of executing. Value conversion failures degrade
// to null placeholders so the caller still gets a reviewable script.
func (r *Reconciler) Script(ctx context.Context, sess driver.Session, entry *resultset.Entry, changes model.ChangeSet) (string, error) {
	if changes.Empty() {
		return "", nil
	}
	p, err := r.compile(ctx, sess, entry, changes, true)
	if err != nil {
		return "", err
	}

	var stmts []string
	for _, g := range p.groups {
		rendered, err := r.renderGroup(ctx, sess, g)
		if err != nil {
			return "", err
		}
		stmts = append(stmts, rendered...)
	}
	return strings.Join(stmts, ";\n"), nil
}

// compile validates the change set against the entry's identifiers and
// builds the per-identifier mutation plan. In script mode value
// conversion failures are tolerated as nulls.
func (r *Reconciler) compile(ctx context.Context, sess driver.Session, entry *resultset.Entry, changes model.ChangeSet, script bool) (*plan, error) {
	leafCols := entry.LeafColumns()
	defaultID := entry.DefaultIdentifier()

	if (len(changes.Added) > 0 || len(changes.Deleted) > 0) && !defaultID.Valid() {
		return nil, model.Validationf("result has no valid row identifier for insert/delete")
	}
	if len(changes.Updated) > 0 && !anyValid(entry.Identifiers) {
		return nil, model.Validationf("result has no valid row identifier for update")
	}

	groups := map[*bindings.RowIdentifier]*group{}
	ensure := func(ident *bindings.RowIdentifier) (*group, error) {
		if g, ok := groups[ident]; ok {
			return g, nil
		}
		entity, err := r.Conn.Entity(ctx, ident.Entity)
		if err != nil {
			return nil, fmt.Errorf("resolve entity %s: %w", ident.Entity, err)
		}
		manip, ok := entity.(driver.Manipulator)
		if !ok {
			return nil, model.Validationf("%s is not editable", ident.Entity)
		}
		g := &group{ident: ident, entity: manip, keyCols: identColumns(entry, ident)}
		if _, ok := entry.Source.(driver.DocumentLocator); ok && len(g.keyCols) > 1 {
			// document rows are addressed by the located document in a
			// single key slot, whatever the identifier's arity
			g.keyCols = g.keyCols[:1]
		}
		groups[ident] = g
		return g, nil
	}

	convert := func(col driver.Column, v any) (any, error) {
		nv, err := r.Transcoder.ToNative(col, v)
		if err != nil {
			if script {
				debug.Warn("script value conversion degraded to null", "column", col.DisplayName(), "err", err)
				return nil, nil
			}
			return nil, err
		}
		return nv, nil
	}

	// updates: route each changed column to the identifier owning it
	for ui := range changes.Updated {
		row := &changes.Updated[ui]
		if len(row.Data) != len(leafCols) {
			return nil, model.Validationf("updated row %d has %d values, result has %d columns", ui, len(row.Data), len(leafCols))
		}
		byIdent := map[*bindings.RowIdentifier][]int{}
		for _, ord := range sortedOrdinals(row.Updates) {
			if ord < 0 || ord >= len(leafCols) {
				return nil, &model.ValidationError{Msg: "bad column position in update", Position: ord}
			}
			owner := ownerIdentifier(entry, defaultID, ord)
			if owner == nil {
				return nil, &model.ValidationError{Msg: fmt.Sprintf("column %s belongs to no editable entity", leafCols[ord].DisplayName()), Position: ord}
			}
			byIdent[owner] = append(byIdent[owner], ord)
		}
		for _, ident := range usedIdentifiers(entry, byIdent) {
			g, err := ensure(ident)
			if err != nil {
				return nil, err
			}
			item := &updateItem{rowIndex: ui}
			for _, ord := range byIdent[ident] {
				col := leafCols[ord]
				nv, err := convert(col, row.Updates[ord])
				if err != nil {
					return nil, err
				}
				item.setCols = append(item.setCols, col)
				item.setVals = append(item.setVals, nv)
				if !script {
					row.Data[ord] = r.Transcoder.ToTransport(ctx, col, nv)
				}
			}
			keyVals, err := r.keyValues(ctx, sess, entry, ident, row.Row)
			if err != nil {
				return nil, err
			}
			item.keyVals = keyVals
			g.updates = append(g.updates, item)
		}
	}

	// inserts: default identifier only
	for ai := range changes.Added {
		row := &changes.Added[ai]
		g, err := ensure(defaultID)
		if err != nil {
			return nil, err
		}
		item := &insertItem{rowIndex: ai}
		for ord, col := range leafCols {
			if ord >= len(row.Data) || row.Data[ord] == nil {
				continue
			}
			nv, err := convert(col, row.Data[ord])
			if err != nil {
				return nil, err
			}
			item.cols = append(item.cols, col)
			item.vals = append(item.vals, nv)
		}
		for _, ki := range defaultID.Columns {
			n := entry.Arena.Node(ki)
			if n.Column.AutoGenerated && (n.FlatOrdinal >= len(row.Data) || row.Data[n.FlatOrdinal] == nil) {
				item.wantKeys = true
				break
			}
		}
		g.inserts = append(g.inserts, item)
	}

	// deletes: default identifier, by document lookup for document sources
	for di := range changes.Deleted {
		row := changes.Deleted[di]
		g, err := ensure(defaultID)
		if err != nil {
			return nil, err
		}
		keyVals, err := r.keyValues(ctx, sess, entry, defaultID, row)
		if err != nil {
			return nil, err
		}
		g.deletes = append(g.deletes, &deleteItem{keyVals: keyVals})
	}

	p := &plan{}
	for i := range entry.Identifiers {
		if g, ok := groups[&entry.Identifiers[i]]; ok {
			p.groups = append(p.groups, g)
		}
	}
	// default identifier may be a fallback outside the identifier slice
	if g, ok := groups[defaultID]; ok && !containsGroup(p.groups, g) {
		p.groups = append(p.groups, g)
	}
	return p, nil
}

// keyValues resolves the identifier's key column values from a row
// snapshot. Document-located rows resolve to the document itself instead
// of literal values.
func (r *Reconciler) keyValues(ctx context.Context, sess driver.Session, entry *resultset.Entry, ident *bindings.RowIdentifier, row model.Row) ([]any, error) {
	locator, isDoc := entry.Source.(driver.DocumentLocator)
	if isDoc {
		key := map[string]any{}
		for _, ki := range ident.Columns {
			n := entry.Arena.Node(ki)
			if n.FlatOrdinal < len(row.Data) {
				nv, err := r.Transcoder.ToNative(n.Column, row.Data[n.FlatOrdinal])
				if err != nil {
					return nil, err
				}
				key[n.Column.Name] = nv
			}
		}
		doc, err := locator.FindByKey(ctx, sess, key)
		if err != nil {
			return nil, fmt.Errorf("locate document in %s: %w", entry.Source.Name(), err)
		}
		return []any{doc}, nil
	}

	vals := make([]any, 0, len(ident.Columns))
	nonNull := false
	for _, ki := range ident.Columns {
		n := entry.Arena.Node(ki)
		var v any
		if n.FlatOrdinal < len(row.Data) {
			v = row.Data[n.FlatOrdinal]
		}
		nv, err := r.Transcoder.ToNative(n.Column, v)
		if err != nil {
			return nil, err
		}
		if nv != nil {
			nonNull = true
		}
		vals = append(vals, nv)
	}
	if !nonNull {
		return nil, model.Validationf("row has no usable key values for %s", ident.Entity)
	}
	return vals, nil
}

func identColumns(entry *resultset.Entry, ident *bindings.RowIdentifier) []driver.Column {
	cols := make([]driver.Column, len(ident.Columns))
	for i, ki := range ident.Columns {
		n := entry.Arena.Node(ki)
		c := n.Column
		c.Ordinal = n.FlatOrdinal
		cols[i] = c
	}
	return cols
}

func ownerIdentifier(entry *resultset.Entry, defaultID *bindings.RowIdentifier, ord int) *bindings.RowIdentifier {
	for _, li := range entry.Arena.Leaves() {
		n := entry.Arena.Node(li)
		if n.FlatOrdinal != ord {
			continue
		}
		if owner := bindings.OwnerOf(entry.Identifiers, entry.Arena, li); owner != nil {
			return owner
		}
		break
	}
	// computed or keyless columns route to the default identifier
	if defaultID.Valid() {
		return defaultID
	}
	return nil
}

// usedIdentifiers yields the identifiers present in byIdent in the stable
// order the entry's identifier set declares them.
func usedIdentifiers(entry *resultset.Entry, byIdent map[*bindings.RowIdentifier][]int) []*bindings.RowIdentifier {
	var out []*bindings.RowIdentifier
	for i := range entry.Identifiers {
		if _, ok := byIdent[&entry.Identifiers[i]]; ok {
			out = append(out, &entry.Identifiers[i])
		}
	}
	for ident := range byIdent {
		if !containsIdent(out, ident) {
			out = append(out, ident)
		}
	}
	return out
}

func containsIdent(ids []*bindings.RowIdentifier, id *bindings.RowIdentifier) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func containsGroup(gs []*group, g *group) bool {
	for _, x := range gs {
		if x == g {
			return true
		}
	}
	return false
}

func anyValid(ids []bindings.RowIdentifier) bool {
	for i := range ids {
		if ids[i].Valid() {
			return true
		}
	}
	return false
}

func sortedOrdinals(m map[int]any) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func columnSignature(cols []driver.Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return strings.Join(names, "\x00")
}
