package sqladapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/model"
)

// Table is a resolved SQL table with its primary key introspected. It
// serves declarative reads and batched mutations.
type Table struct {
	conn    *Conn
	name    string
	pk      []string
	autoInc string
}

// Name implements driver.Container.
func (t *Table) Name() string { return t.name }

// Filterable implements driver.Container.
func (t *Table) Filterable() bool { return true }

func (t *Table) isKey(col string) bool {
	for _, k := range t.pk {
		if k == col {
			return true
		}
	}
	return false
}

// introspect loads the primary-key and auto-generated column names.
func (t *Table) introspect(ctx context.Context) error {
	switch t.conn.provider {
	case ProviderSQLite, "sqlite3":
		return t.introspectSQLite(ctx)
	case ProviderMySQL:
		return t.introspectMySQL(ctx)
	default:
		return t.introspectPostgres(ctx)
	}
}

func (t *Table) introspectSQLite(ctx context.Context) error {
	rows, err := t.conn.db.QueryContext(ctx, "PRAGMA table_info("+t.conn.dialect.Quote(t.name)+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	var intKeys int
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if pk > 0 {
			t.pk = append(t.pk, name)
			if strings.EqualFold(typ, "INTEGER") {
				intKeys++
				t.autoInc = name
			}
		}
	}
	// A lone INTEGER PRIMARY KEY is the rowid alias and self-generates.
	if len(t.pk) != 1 || intKeys != 1 {
		t.autoInc = ""
	}
	return rows.Err()
}

func (t *Table) introspectMySQL(ctx context.Context) error {
	const q = `SELECT column_name, column_key, extra
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position`
	rows, err := t.conn.db.QueryContext(ctx, q, t.name)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, key, extra string
		if err := rows.Scan(&name, &key, &extra); err != nil {
			return err
		}
		if key == "PRI" {
			t.pk = append(t.pk, name)
		}
		if strings.Contains(extra, "auto_increment") {
			t.autoInc = name
		}
	}
	return rows.Err()
}

func (t *Table) introspectPostgres(ctx context.Context) error {
	const pkQ = `SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name
		 AND kcu.table_schema = tc.table_schema
		WHERE tc.table_name = $1 AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position`
	rows, err := t.conn.db.QueryContext(ctx, pkQ, t.name)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		t.pk = append(t.pk, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	const genQ = `SELECT column_name
		FROM information_schema.columns
		WHERE table_name = $1
		  AND (is_identity = 'YES' OR column_default LIKE 'nextval(%')`
	genRows, err := t.conn.db.QueryContext(ctx, genQ, t.name)
	if err != nil {
		return err
	}
	defer genRows.Close()
	for genRows.Next() {
		var name string
		if err := genRows.Scan(&name); err != nil {
			return err
		}
		if t.autoInc == "" {
			t.autoInc = name
		}
	}
	return genRows.Err()
}

// OpenCursor implements driver.Reader.
func (t *Table) OpenCursor(ctx context.Context, sess driver.Session, f *model.Filter, opts driver.StatementOptions) (driver.Cursor, error) {
	s, ok := sess.(*Session)
	if !ok {
		return nil, fmt.Errorf("session does not belong to this backend")
	}
	query := "SELECT * FROM " + t.conn.dialect.Quote(t.name)
	if f != nil {
		var err error
		query, err = t.conn.dialect.ApplyFilter(query, f)
		if err != nil {
			return nil, err
		}
	}
	rows, err := s.q().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.name, err)
	}
	return newCursor(rows, opts, t, t)
}

// Insert implements driver.Manipulator.
func (t *Table) Insert(ctx context.Context, sess driver.Session, cols []driver.Column, keys driver.KeyReceiver) (driver.Batch, error) {
	s, ok := sess.(*Session)
	if !ok {
		return nil, fmt.Errorf("session does not belong to this backend")
	}
	return &batch{sess: s, table: t, kind: batchInsert, cols: cols, keys: keys}, nil
}

// Update implements driver.Manipulator.
func (t *Table) Update(ctx context.Context, sess driver.Session, updateCols, keyCols []driver.Column) (driver.Batch, error) {
	s, ok := sess.(*Session)
	if !ok {
		return nil, fmt.Errorf("session does not belong to this backend")
	}
	return &batch{sess: s, table: t, kind: batchUpdate, cols: updateCols, keyCols: keyCols}, nil
}

// Delete implements driver.Manipulator.
func (t *Table) Delete(ctx context.Context, sess driver.Session, keyCols []driver.Column) (driver.Batch, error) {
	s, ok := sess.(*Session)
	if !ok {
		return nil, fmt.Errorf("session does not belong to this backend")
	}
	return &batch{sess: s, table: t, kind: batchDelete, keyCols: keyCols}, nil
}

type batchKind int

const (
	batchInsert batchKind = iota
	batchUpdate
	batchDelete
)

// batch queues same-shape mutation rows and runs (or renders) them in
// submission order.
type batch struct {
	sess    *Session
	table   *Table
	kind    batchKind
	cols    []driver.Column
	keyCols []driver.Column
	keys    driver.KeyReceiver
	queued  [][]any
}

// Add implements driver.Batch.
func (b *batch) Add(values []any) error {
	want := len(b.cols) + len(b.keyCols)
	if len(values) != want {
		return fmt.Errorf("batch row has %d values, want %d", len(values), want)
	}
	row := make([]any, len(values))
	copy(row, values)
	b.queued = append(b.queued, row)
	return nil
}

// statement renders one queued row. With literal set the values are
// inlined; otherwise placeholders are emitted and args returned.
func (b *batch) statement(values []any, literal bool) (string, []any) {
	d := b.table.conn.dialect
	var sb strings.Builder
	var args []any
	pos := 0
	arg := func(v any) string {
		if literal {
			return d.Literal(v)
		}
		pos++
		args = append(args, v)
		return d.placeholder(pos)
	}

	switch b.kind {
	case batchInsert:
		names := make([]string, len(b.cols))
		vals := make([]string, len(b.cols))
		for i, c := range b.cols {
			names[i] = d.Quote(c.Name)
			vals[i] = arg(values[i])
		}
		fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s)",
			d.Quote(b.table.name), strings.Join(names, ", "), strings.Join(vals, ", "))

	case batchUpdate:
		sb.WriteString("UPDATE " + d.Quote(b.table.name) + " SET ")
		for i, c := range b.cols {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.Quote(c.Name) + " = " + arg(values[i]))
		}
		b.whereKeys(&sb, values[len(b.cols):], arg)

	case batchDelete:
		sb.WriteString("DELETE FROM " + d.Quote(b.table.name))
		b.whereKeys(&sb, values, arg)
	}
	return sb.String(), args
}

func (b *batch) whereKeys(sb *strings.Builder, keyVals []any, arg func(any) string) {
	d := b.table.conn.dialect
	sb.WriteString(" WHERE ")
	for i, c := range b.keyCols {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(d.Quote(c.Name) + " = " + arg(keyVals[i]))
	}
}

// Execute implements driver.Batch.
func (b *batch) Execute(ctx context.Context) (int64, error) {
	var total int64
	for _, values := range b.queued {
		query, args := b.statement(values, false)
		n, err := b.executeRow(ctx, query, args)
		if err != nil {
			return total, fmt.Errorf("%s: %w", b.table.name, err)
		}
		total += n
	}
	b.queued = nil
	return total, nil
}

func (b *batch) executeRow(ctx context.Context, query string, args []any) (int64, error) {
	wantKeys := b.kind == batchInsert && b.keys != nil && b.table.autoInc != ""

	if wantKeys && b.table.conn.provider != ProviderMySQL &&
		b.table.conn.provider != ProviderSQLite && b.table.conn.provider != "sqlite3" {
		// RETURNING path for backends without LastInsertId.
		keyCol := driver.Column{Name: b.table.autoInc, InKey: true, AutoGenerated: true}
		query += " RETURNING " + b.table.conn.dialect.Quote(b.table.autoInc)
		var generated any
		if err := b.sess.q().QueryRowContext(ctx, query, args...).Scan(&generated); err != nil {
			return 0, err
		}
		b.keys([]driver.Column{keyCol}, []any{generated})
		return 1, nil
	}

	res, err := b.sess.q().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	if wantKeys {
		if id, err := res.LastInsertId(); err == nil {
			keyCol := driver.Column{Name: b.table.autoInc, InKey: true, AutoGenerated: true}
			b.keys([]driver.Column{keyCol}, []any{id})
		}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Render implements driver.Batch.
func (b *batch) Render(context.Context) ([]string, error) {
	out := make([]string, len(b.queued))
	for i, values := range b.queued {
		out[i], _ = b.statement(values, true)
	}
	return out, nil
}

// Close implements driver.Batch.
func (b *batch) Close() error {
	b.queued = nil
	return nil
}
