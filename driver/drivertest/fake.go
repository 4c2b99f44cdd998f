// Package drivertest provides an in-memory backend for engine tests. It
// records the batches and statements it receives so tests can assert on
// batch routing and transaction control.
package drivertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/model"
)

// Conn is a fake backend connection. Tables are registered up front;
// statements resolve against a scripted result list.
type Conn struct {
	mu           sync.Mutex
	containers   map[string]driver.Container
	Results      []ScriptedResult
	MaxRes       int
	Savepoints   bool
	SavepointErr error
	TimeoutErr   error

	// SessionMessages seeds the server messages each new session drains.
	SessionMessages []driver.ServerMessage

	Sessions []*Session
}

// ScriptedResult is one result a statement execution produces.
type ScriptedResult struct {
	Columns []driver.Column
	Rows    [][]any
	Updates int64
}

// NewConn builds an empty fake connection with savepoint support.
func NewConn() *Conn {
	return &Conn{containers: make(map[string]driver.Container), MaxRes: 10, Savepoints: true}
}

// AddTable registers a table the fake resolves through Entity.
func (c *Conn) AddTable(t *Table) *Conn {
	c.containers[t.TableName] = t
	return c
}

// AddContainer registers an arbitrary container, e.g. a read-only one.
func (c *Conn) AddContainer(name string, container driver.Container) *Conn {
	c.containers[name] = container
	return c
}

// OpenSession implements driver.Connection.
func (c *Conn) OpenSession(ctx context.Context, purpose driver.Purpose) (driver.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Session{conn: c, Purpose: purpose, autocommit: true}
	s.pending = append(s.pending, c.SessionMessages...)
	c.Sessions = append(c.Sessions, s)
	return s, nil
}

// Dialect implements driver.Connection.
func (c *Conn) Dialect() driver.Dialect { return Dialect{} }

// Entity implements driver.Connection.
func (c *Conn) Entity(ctx context.Context, name string) (driver.Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.containers[name]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", name)
	}
	return t, nil
}

// MaxResults implements driver.Connection.
func (c *Conn) MaxResults() int { return c.MaxRes }

// Session is a fake session recording everything done to it.
type Session struct {
	conn    *Conn
	Purpose driver.Purpose

	mu           sync.Mutex
	pending      []driver.ServerMessage
	autocommit   bool
	Commits      int
	Rollbacks    int
	Savepointed  []string
	RolledBackTo []string
	Statements   []string
	Commands     []string
	Closed       bool
}

// Prepare implements driver.Session.
func (s *Session) Prepare(ctx context.Context, query string, opts driver.StatementOptions) (driver.Statement, error) {
	s.Statements = append(s.Statements, query)
	return &Statement{sess: s, query: query, opts: opts}, nil
}

// Tx implements driver.Session.
func (s *Session) Tx() driver.TxManager { return s }

// RunCommand implements driver.ScriptContext.
func (s *Session) RunCommand(ctx context.Context, text string) error {
	s.Commands = append(s.Commands, text)
	return nil
}

// DrainMessages implements driver.MessageSource.
func (s *Session) DrainMessages(ctx context.Context) ([]driver.ServerMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.pending
	s.pending = nil
	return msgs, nil
}

// Close implements driver.Session.
func (s *Session) Close() error {
	s.Closed = true
	return nil
}

// Autocommit implements driver.TxManager.
func (s *Session) Autocommit() (bool, error) { return s.autocommit, nil }

// SetAutocommit implements driver.TxManager.
func (s *Session) SetAutocommit(ctx context.Context, on bool) error {
	s.autocommit = on
	return nil
}

// Commit implements driver.TxManager.
func (s *Session) Commit(ctx context.Context) error {
	s.Commits++
	return nil
}

// Rollback implements driver.TxManager.
func (s *Session) Rollback(ctx context.Context, sp driver.Savepoint) error {
	if sp != nil {
		s.RolledBackTo = append(s.RolledBackTo, sp.Name())
		return nil
	}
	s.Rollbacks++
	return nil
}

// SupportsSavepoints implements driver.TxManager.
func (s *Session) SupportsSavepoints() bool { return s.conn.Savepoints }

// Savepoint implements driver.TxManager.
func (s *Session) Savepoint(ctx context.Context, name string) (driver.Savepoint, error) {
	if s.conn.SavepointErr != nil {
		return nil, s.conn.SavepointErr
	}
	s.Savepointed = append(s.Savepointed, name)
	return savepoint(name), nil
}

type savepoint string

func (s savepoint) Name() string { return string(s) }

// Statement replays the connection's scripted results.
type Statement struct {
	sess    *Session
	query   string
	opts    driver.StatementOptions
	timeout time.Duration
	pos     int
	started bool
}

// SetTimeout implements driver.Statement.
func (st *Statement) SetTimeout(d time.Duration) error {
	if st.sess.conn.TimeoutErr != nil {
		return st.sess.conn.TimeoutErr
	}
	st.timeout = d
	return nil
}

// Execute implements driver.Statement.
func (st *Statement) Execute(ctx context.Context) (bool, error) {
	st.started = true
	res := st.current()
	return res != nil && res.Columns != nil, nil
}

func (st *Statement) current() *ScriptedResult {
	if st.pos >= len(st.sess.conn.Results) {
		return nil
	}
	return &st.sess.conn.Results[st.pos]
}

// Cursor implements driver.Statement.
func (st *Statement) Cursor() (driver.Cursor, error) {
	res := st.current()
	if res == nil || res.Columns == nil {
		return nil, fmt.Errorf("current result is not a cursor")
	}
	return NewCursor(res.Columns, res.Rows, nil), nil
}

// UpdateCount implements driver.Statement.
func (st *Statement) UpdateCount() int64 {
	res := st.current()
	if res == nil || res.Columns != nil {
		return -1
	}
	return res.Updates
}

// NextResult implements driver.Statement.
func (st *Statement) NextResult(ctx context.Context) (bool, bool, error) {
	st.pos++
	res := st.current()
	if res == nil {
		return false, false, nil
	}
	return true, res.Columns != nil, nil
}

// QueryText implements driver.Statement.
func (st *Statement) QueryText() string { return st.query }

// Close implements driver.Statement.
func (st *Statement) Close() error { return nil }

// Cursor is a fake cursor over fixed rows.
type Cursor struct {
	cols   []driver.Column
	rows   [][]any
	source driver.Container
	idx    int

	// CellErrs marks (row, ordinal) cells whose fetch fails.
	CellErrs map[[2]int]error
	DocKids  bool
}

// NewCursor builds a cursor over the given columns and rows.
func NewCursor(cols []driver.Column, rows [][]any, source driver.Container) *Cursor {
	return &Cursor{cols: cols, rows: rows, source: source, idx: -1}
}

// Columns implements driver.Cursor.
func (c *Cursor) Columns() []driver.Column { return c.cols }

// Source implements driver.Cursor.
func (c *Cursor) Source() driver.Container { return c.source }

// Next implements driver.Cursor.
func (c *Cursor) Next(ctx context.Context) (bool, error) {
	if c.idx+1 >= len(c.rows) {
		return false, nil
	}
	c.idx++
	return true, nil
}

// Cell implements driver.Cursor.
func (c *Cursor) Cell(ctx context.Context, ordinal int) (any, error) {
	if err, ok := c.CellErrs[[2]int{c.idx, ordinal}]; ok {
		return nil, err
	}
	if ordinal < 0 || ordinal >= len(c.cols) {
		return nil, fmt.Errorf("column position %d out of range", ordinal)
	}
	return c.rows[c.idx][ordinal], nil
}

// DocumentChildren implements driver.DocumentChildren.
func (c *Cursor) DocumentChildren() bool { return c.DocKids }

// Close implements driver.Cursor.
func (c *Cursor) Close() error { return nil }

// Table is a fake manipulable container. Reads serve the Data rows;
// mutations are recorded on Batches.
type Table struct {
	TableName   string
	CanFilter   bool
	Columns     []driver.Column
	Data        [][]any
	ReadErr     error
	BatchErr    error
	GeneratedID func() []any

	mu      sync.Mutex
	Batches []*Batch
	Reads   []*model.Filter
}

// Name implements driver.Container.
func (t *Table) Name() string { return t.TableName }

// Filterable implements driver.Container.
func (t *Table) Filterable() bool { return t.CanFilter }

// OpenCursor implements driver.Reader with equality-constraint matching
// against the fixed Data rows.
func (t *Table) OpenCursor(ctx context.Context, sess driver.Session, f *model.Filter, opts driver.StatementOptions) (driver.Cursor, error) {
	t.mu.Lock()
	t.Reads = append(t.Reads, f)
	t.mu.Unlock()
	if t.ReadErr != nil {
		return nil, t.ReadErr
	}

	rows := t.Data
	if f != nil && len(f.Constraints) > 0 {
		rows = nil
	next:
		for _, row := range t.Data {
			for _, cons := range f.Constraints {
				if cons.Operator == "" {
					continue
				}
				ord := t.ordinalOf(cons.Column)
				if ord < 0 || fmt.Sprint(row[ord]) != fmt.Sprint(cons.Value) {
					continue next
				}
			}
			rows = append(rows, row)
		}
		if f.Limit > 0 && int64(len(rows)) > f.Limit {
			rows = rows[:f.Limit]
		}
	}
	return NewCursor(t.Columns, rows, t), nil
}

func (t *Table) ordinalOf(name string) int {
	for i, col := range t.Columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

// Insert implements driver.Manipulator.
func (t *Table) Insert(ctx context.Context, sess driver.Session, cols []driver.Column, keys driver.KeyReceiver) (driver.Batch, error) {
	return t.newBatch("INSERT", cols, nil, keys), nil
}

// Update implements driver.Manipulator.
func (t *Table) Update(ctx context.Context, sess driver.Session, updateCols, keyCols []driver.Column) (driver.Batch, error) {
	return t.newBatch("UPDATE", updateCols, keyCols, nil), nil
}

// Delete implements driver.Manipulator.
func (t *Table) Delete(ctx context.Context, sess driver.Session, keyCols []driver.Column) (driver.Batch, error) {
	return t.newBatch("DELETE", nil, keyCols, nil), nil
}

func (t *Table) newBatch(kind string, cols, keyCols []driver.Column, keys driver.KeyReceiver) *Batch {
	b := &Batch{table: t, Kind: kind, Cols: cols, KeyCols: keyCols, keys: keys, ExecErr: t.BatchErr}
	t.mu.Lock()
	t.Batches = append(t.Batches, b)
	t.mu.Unlock()
	return b
}

// Batch records the rows added to it. Execute reports one affected row
// per queued row and feeds generated keys for inserts.
type Batch struct {
	table   *Table
	Kind    string
	Cols    []driver.Column
	KeyCols []driver.Column
	keys    driver.KeyReceiver

	Rows     [][]any
	Executed bool
	Rendered bool
	ExecErr  error
}

// Add implements driver.Batch.
func (b *Batch) Add(values []any) error {
	row := make([]any, len(values))
	copy(row, values)
	b.Rows = append(b.Rows, row)
	return nil
}

// Execute implements driver.Batch.
func (b *Batch) Execute(ctx context.Context) (int64, error) {
	b.Executed = true
	if b.ExecErr != nil {
		return 0, b.ExecErr
	}
	if b.Kind == "INSERT" && b.keys != nil && b.table.GeneratedID != nil {
		for range b.Rows {
			keyCols := make([]driver.Column, 0, 1)
			for _, col := range b.table.Columns {
				if col.AutoGenerated {
					keyCols = append(keyCols, col)
				}
			}
			b.keys(keyCols, b.table.GeneratedID())
		}
	}
	return int64(len(b.Rows)), nil
}

// Render implements driver.Batch.
func (b *Batch) Render(ctx context.Context) ([]string, error) {
	b.Rendered = true
	out := make([]string, len(b.Rows))
	for i, row := range b.Rows {
		parts := make([]string, len(row))
		for j, v := range row {
			parts[j] = Dialect{}.Literal(v)
		}
		out[i] = fmt.Sprintf("%s %s (%s)", b.Kind, b.table.TableName, strings.Join(parts, ", "))
	}
	return out, nil
}

// Close implements driver.Batch.
func (b *Batch) Close() error { return nil }

// Dialect is a minimal SQL-ish dialect for assertions.
type Dialect struct{}

// Name implements driver.Dialect.
func (Dialect) Name() string { return "fake" }

// Quote implements driver.Dialect.
func (Dialect) Quote(ident string) string { return `"` + ident + `"` }

// IsControlCommand implements driver.Dialect.
func (Dialect) IsControlCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), `\`)
}

// ApplyFilter implements driver.Dialect.
func (d Dialect) ApplyFilter(query string, f *model.Filter) (string, error) {
	out := "SELECT * FROM (" + query + ") sub"
	if pred := d.RenderPredicate(f); pred != "" {
		out += " WHERE " + pred
	}
	return out, nil
}

// RenderPredicate implements driver.Dialect.
func (d Dialect) RenderPredicate(f *model.Filter) string {
	var parts []string
	for _, c := range f.Constraints {
		if c.Operator == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s %s", d.Quote(c.Column), c.Operator, d.Literal(c.Value)))
	}
	if f.Where != "" {
		parts = append(parts, "("+f.Where+")")
	}
	return strings.Join(parts, " AND ")
}

// Literal implements driver.Dialect.
func (Dialect) Literal(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	default:
		return fmt.Sprint(v)
	}
}
