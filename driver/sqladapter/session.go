package sqladapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/model"
)

// querier is the shared query surface of *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Session is one execution handle. It also carries the transaction
// surface: autocommit off means statements run inside a live *sql.Tx.
type Session struct {
	conn   *Conn
	tx     *sql.Tx
	manual bool
}

func (s *Session) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.conn.db
}

// Prepare implements driver.Session.
func (s *Session) Prepare(ctx context.Context, query string, opts driver.StatementOptions) (driver.Statement, error) {
	return &Statement{sess: s, query: query, opts: opts, updateCount: -1}, nil
}

// Tx implements driver.Session.
func (s *Session) Tx() driver.TxManager { return s }

// SetDefaults implements driver.DefaultsSetter for providers with a
// schema/database switch statement.
func (s *Session) SetDefaults(ctx context.Context, catalog, schema string) error {
	switch s.conn.provider {
	case ProviderMySQL:
		if catalog != "" {
			_, err := s.q().ExecContext(ctx, "USE "+s.conn.dialect.Quote(catalog))
			return err
		}
	case ProviderPostgres, "postgresql":
		if schema != "" {
			_, err := s.q().ExecContext(ctx, "SET search_path TO "+s.conn.dialect.Quote(schema))
			return err
		}
	}
	return nil
}

// Close implements driver.Session, rolling back any open transaction.
func (s *Session) Close() error {
	if s.tx != nil {
		err := s.tx.Rollback()
		s.tx = nil
		if err != nil && !errors.Is(err, sql.ErrTxDone) {
			return err
		}
	}
	return nil
}

// Autocommit implements driver.TxManager.
func (s *Session) Autocommit() (bool, error) { return !s.manual, nil }

// SetAutocommit implements driver.TxManager. Turning autocommit back on
// commits the open transaction.
func (s *Session) SetAutocommit(ctx context.Context, on bool) error {
	if on {
		s.manual = false
		if s.tx != nil {
			err := s.tx.Commit()
			s.tx = nil
			if err != nil && !errors.Is(err, sql.ErrTxDone) {
				return fmt.Errorf("commit on autocommit restore: %w", err)
			}
		}
		return nil
	}
	s.manual = true
	if s.tx == nil {
		tx, err := s.conn.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		s.tx = tx
	}
	return nil
}

// Commit implements driver.TxManager. In manual mode a fresh transaction
// is opened so the session stays transactional.
func (s *Session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return err
	}
	if s.manual {
		tx, err := s.conn.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("reopen transaction: %w", err)
		}
		s.tx = tx
	}
	return nil
}

// Rollback implements driver.TxManager: to the savepoint when given,
// fully otherwise.
func (s *Session) Rollback(ctx context.Context, sp driver.Savepoint) error {
	if s.tx == nil {
		return nil
	}
	if sp != nil {
		_, err := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+s.conn.dialect.Quote(sp.Name()))
		return err
	}
	err := s.tx.Rollback()
	s.tx = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	if s.manual {
		tx, berr := s.conn.db.BeginTx(ctx, nil)
		if berr != nil {
			return fmt.Errorf("reopen transaction: %w", berr)
		}
		s.tx = tx
	}
	return nil
}

// SupportsSavepoints implements driver.TxManager.
func (s *Session) SupportsSavepoints() bool { return s.conn.savepoints }

// Savepoint implements driver.TxManager.
func (s *Session) Savepoint(ctx context.Context, name string) (driver.Savepoint, error) {
	if s.tx == nil {
		return nil, errors.New("no active transaction")
	}
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+s.conn.dialect.Quote(name)); err != nil {
		return nil, err
	}
	return savepoint(name), nil
}

type savepoint string

// Name implements driver.Savepoint.
func (s savepoint) Name() string { return string(s) }

// Statement is one prepared statement over database/sql. A single result
// is produced: a cursor for row-producing text, an update count otherwise.
type Statement struct {
	sess    *Session
	query   string
	opts    driver.StatementOptions
	timeout time.Duration
	cancel  context.CancelFunc

	rows        *sql.Rows
	isCursor    bool
	updateCount int64
}

// SetTimeout implements driver.Statement; enforced through a context
// deadline on execution.
func (st *Statement) SetTimeout(d time.Duration) error {
	st.timeout = d
	return nil
}

// Execute implements driver.Statement.
func (st *Statement) Execute(ctx context.Context) (bool, error) {
	runCtx := ctx
	if st.timeout > 0 {
		runCtx, st.cancel = context.WithTimeout(ctx, st.timeout)
	}

	if isQueryText(st.query) {
		rows, err := st.sess.q().QueryContext(runCtx, st.query)
		if err != nil {
			return false, st.wrapExecErr(runCtx, err)
		}
		st.rows = rows
		st.isCursor = true
		return true, nil
	}

	res, err := st.sess.q().ExecContext(runCtx, st.query)
	if err != nil {
		return false, st.wrapExecErr(runCtx, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		st.updateCount = n
	} else {
		st.updateCount = 0
	}
	return false, nil
}

func (st *Statement) wrapExecErr(runCtx context.Context, err error) error {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &model.QuotaError{Kind: model.QuotaTimeout, Limit: int64(st.timeout / time.Second)}
	}
	return err
}

// Cursor implements driver.Statement.
func (st *Statement) Cursor() (driver.Cursor, error) {
	if !st.isCursor || st.rows == nil {
		return nil, errors.New("current result is not a cursor")
	}
	return newCursor(st.rows, st.opts, nil, nil)
}

// UpdateCount implements driver.Statement.
func (st *Statement) UpdateCount() int64 {
	if st.isCursor {
		return -1
	}
	return st.updateCount
}

// NextResult implements driver.Statement; database/sql yields one result.
func (st *Statement) NextResult(context.Context) (bool, bool, error) {
	return false, false, nil
}

// QueryText implements driver.Statement.
func (st *Statement) QueryText() string { return st.query }

// Close implements driver.Statement.
func (st *Statement) Close() error {
	var err error
	if st.rows != nil {
		err = st.rows.Close()
		st.rows = nil
	}
	if st.cancel != nil {
		st.cancel()
	}
	return err
}

// Cursor adapts *sql.Rows to the engine cursor, applying row offset and
// limit client-side when the statement options ask for them.
type Cursor struct {
	rows   *sql.Rows
	cols   []driver.Column
	source driver.Container
	vals   []any
	skip   int64
	limit  int64
	seen   int64
}

func newCursor(rows *sql.Rows, opts driver.StatementOptions, source driver.Container, table *Table) (*Cursor, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("describe columns: %w", err)
	}
	cols := make([]driver.Column, len(types))
	for i, ct := range types {
		col := driver.Column{
			Name:    ct.Name(),
			Ordinal: i,
			Type:    typeInfoOf(ct),
		}
		if nullable, ok := ct.Nullable(); ok {
			col.Required = !nullable
		}
		if table != nil {
			col.Entity = table.name
			col.InKey = table.isKey(ct.Name())
			col.AutoGenerated = table.autoInc == ct.Name()
		}
		cols[i] = col
	}
	return &Cursor{
		rows:   rows,
		cols:   cols,
		source: source,
		vals:   make([]any, len(cols)),
		skip:   opts.Offset,
		limit:  opts.Limit,
	}, nil
}

func typeInfoOf(ct *sql.ColumnType) driver.TypeInfo {
	info := driver.TypeInfo{Name: ct.DatabaseTypeName(), Kind: kindOf(ct.DatabaseTypeName())}
	if p, s, ok := ct.DecimalSize(); ok {
		info.Precision, info.Scale = int(p), int(s)
	}
	if l, ok := ct.Length(); ok {
		info.MaxLength = l
	}
	return info
}

func kindOf(typeName string) driver.TypeKind {
	t := strings.ToUpper(typeName)
	switch {
	case strings.Contains(t, "BOOL"):
		return driver.KindBoolean
	case strings.Contains(t, "INT"), strings.Contains(t, "SERIAL"),
		strings.Contains(t, "DEC"), strings.Contains(t, "NUM"),
		strings.Contains(t, "FLOAT"), strings.Contains(t, "DOUBLE"),
		strings.Contains(t, "REAL"), strings.Contains(t, "MONEY"):
		return driver.KindNumeric
	case strings.Contains(t, "TIMESTAMP"), strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return driver.KindDateTime
	case strings.Contains(t, "BLOB"), strings.Contains(t, "BYTEA"), strings.Contains(t, "BINARY"):
		return driver.KindBinary
	case strings.Contains(t, "JSON"):
		return driver.KindDocument
	case strings.Contains(t, "GEOMETRY"), strings.Contains(t, "GEOGRAPHY"):
		return driver.KindGeometry
	case strings.Contains(t, "CLOB"), t == "XML":
		return driver.KindContent
	default:
		return driver.KindString
	}
}

// Columns implements driver.Cursor.
func (c *Cursor) Columns() []driver.Column { return c.cols }

// Source implements driver.Cursor.
func (c *Cursor) Source() driver.Container { return c.source }

// Next implements driver.Cursor.
func (c *Cursor) Next(ctx context.Context) (bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if c.limit > 0 && c.seen >= c.limit {
			return false, nil
		}
		if !c.rows.Next() {
			return false, c.rows.Err()
		}
		if c.skip > 0 {
			c.skip--
			continue
		}
		scan := make([]any, len(c.vals))
		for i := range c.vals {
			c.vals[i] = nil
			scan[i] = &c.vals[i]
		}
		if err := c.rows.Scan(scan...); err != nil {
			return false, fmt.Errorf("scan row: %w", err)
		}
		c.seen++
		return true, nil
	}
}

// Cell implements driver.Cursor.
func (c *Cursor) Cell(_ context.Context, ordinal int) (any, error) {
	if ordinal < 0 || ordinal >= len(c.vals) {
		return nil, fmt.Errorf("column position %d out of range", ordinal)
	}
	return c.vals[ordinal], nil
}

// Close implements driver.Cursor. The statement owns the underlying
// rows; closing twice is harmless.
func (c *Cursor) Close() error { return c.rows.Close() }
