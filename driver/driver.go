// Package driver defines the backend abstraction the engine executes
// against: sessions, statements, cursors, containers, transactions and
// the SQL dialect. Backends implement these interfaces; the engine never
// talks to a database any other way.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/querydesk/querydesk/model"
)

// Purpose classifies why a session is being opened.
type Purpose int

const (
	// PurposeUser is a plain user-initiated statement.
	PurposeUser Purpose = iota
	// PurposeUserFiltered is a user statement rewritten by a declarative filter.
	PurposeUserFiltered
	// PurposeUtility is internal engine work (re-fetch, introspection).
	PurposeUtility
)

// ErrTimeoutUnsupported is returned by Statement.SetTimeout when the
// backend cannot enforce a statement-level timeout. Callers log and
// continue unbounded.
var ErrTimeoutUnsupported = errors.New("statement timeout not supported by driver")

// Connection is one open connection to a backend data store. Many query
// contexts may share a connection; each opens its own sessions.
type Connection interface {
	// OpenSession opens an execution session for the given purpose.
	OpenSession(ctx context.Context, purpose Purpose) (Session, error)

	// Dialect returns the SQL dialect of the backend.
	Dialect() Dialect

	// Entity resolves a named container (table, view, collection).
	Entity(ctx context.Context, name string) (Container, error)

	// MaxResults is the backend's cap on results produced by one
	// statement; values <= 0 mean a single result.
	MaxResults() int
}

// StatementOptions carry row paging applied at statement level.
type StatementOptions struct {
	Offset int64
	Limit  int64
}

// Session is a live execution handle on a connection.
type Session interface {
	// Prepare builds a statement from final query text.
	Prepare(ctx context.Context, query string, opts StatementOptions) (Statement, error)

	// Tx returns the session's transaction manager, or nil when the
	// backend does not support transactions.
	Tx() TxManager

	Close() error
}

// DefaultsSetter is implemented by sessions that can switch the default
// catalog/schema of subsequent statements.
type DefaultsSetter interface {
	SetDefaults(ctx context.Context, catalog, schema string) error
}

// ScriptContext is implemented by sessions that can run client-side
// control commands outside the data path.
type ScriptContext interface {
	RunCommand(ctx context.Context, text string) error
}

// MessageSource is implemented by sessions that surface server-side
// messages (notices, warnings) during statement execution.
type MessageSource interface {
	// DrainMessages returns the messages accumulated since the last
	// drain. It may block briefly but must honor ctx cancellation.
	DrainMessages(ctx context.Context) ([]ServerMessage, error)
}

// ServerMessage is one non-fatal message produced by the server.
type ServerMessage struct {
	Severity model.Severity
	Text     string
}

// Statement is one prepared statement; it may produce several results
// (cursors and/or update counts) when the backend supports that.
type Statement interface {
	// SetTimeout arms a statement-level timeout. Implementations that
	// cannot enforce one return ErrTimeoutUnsupported.
	SetTimeout(d time.Duration) error

	// Execute runs the statement. It reports whether the first result
	// is a cursor (true) or an update count (false).
	Execute(ctx context.Context) (bool, error)

	// Cursor returns the current result's cursor. Only valid when the
	// current result is a cursor.
	Cursor() (Cursor, error)

	// UpdateCount returns the current result's affected-row count, or a
	// negative value when the current result is a cursor.
	UpdateCount() int64

	// NextResult advances to the next produced result, reporting
	// whether one exists and whether it is a cursor.
	NextResult(ctx context.Context) (more bool, isCursor bool, err error)

	// QueryText is the final text actually sent to the backend.
	QueryText() string

	Close() error
}

// Cursor iterates the rows of one result. Cell-level access lets a single
// failed fetch degrade to an in-place error marker instead of killing the
// whole row.
type Cursor interface {
	// Columns describes the result columns, including nested children
	// for composite/document columns.
	Columns() []Column

	// Source is the container the data came from, or nil for computed
	// results with no addressable origin.
	Source() Container

	Next(ctx context.Context) (bool, error)

	// Cell fetches the value of one top-level column in the current row.
	Cell(ctx context.Context, ordinal int) (any, error)

	Close() error
}

// DocumentChildren is implemented by cursors whose rows are the members
// of a single document's sub-collection.
type DocumentChildren interface {
	DocumentChildren() bool
}

// Container is the logical table/view/query a result set came from or
// mutations are addressed to.
type Container interface {
	Name() string

	// Filterable reports declarative filter support on reads.
	Filterable() bool
}

// Reader is implemented by containers that support declarative reads,
// used for pagination without SQL text and authoritative row re-fetch.
type Reader interface {
	OpenCursor(ctx context.Context, sess Session, f *model.Filter, opts StatementOptions) (Cursor, error)
}

// KeyReceiver observes auto-generated key values after an insert batch
// row executes.
type KeyReceiver func(cols []Column, values []any)

// Manipulator is implemented by containers that accept batched mutations.
type Manipulator interface {
	Container

	// Insert opens an insert batch over the given columns. keys is nil
	// unless the caller wants generated keys reported back.
	Insert(ctx context.Context, sess Session, cols []Column, keys KeyReceiver) (Batch, error)

	// Update opens an update batch setting updateCols on rows addressed
	// by keyCols.
	Update(ctx context.Context, sess Session, updateCols, keyCols []Column) (Batch, error)

	// Delete opens a delete batch addressing rows by keyCols.
	Delete(ctx context.Context, sess Session, keyCols []Column) (Batch, error)
}

// Batch is a set of same-shape mutations submitted together. Rows are
// executed in the order they were added.
type Batch interface {
	// Add queues one row. For updates the values are updateCols followed
	// by keyCols; for deletes the keyCols only.
	Add(values []any) error

	// Execute runs the queued rows and returns the affected-row total.
	Execute(ctx context.Context) (int64, error)

	// Render returns the statements the queued rows would execute, with
	// values inlined as literals.
	Render(ctx context.Context) ([]string, error)

	Close() error
}

// TxManager is the session transaction-control surface.
type TxManager interface {
	Autocommit() (bool, error)
	SetAutocommit(ctx context.Context, on bool) error
	Commit(ctx context.Context) error

	// Rollback rolls back to the given savepoint, or fully when sp is nil.
	Rollback(ctx context.Context, sp Savepoint) error

	SupportsSavepoints() bool
	Savepoint(ctx context.Context, name string) (Savepoint, error)
}

// Savepoint is an intermediate transaction marker.
type Savepoint interface {
	Name() string
}

// Document is a driver-native document value (document-oriented sources).
type Document interface {
	ID() any
	ContentType() string
	Data(ctx context.Context) (any, error)
}

// DocumentLocator is implemented by document-oriented containers; rows
// are located by key-map lookup rather than SQL predicate. Matching
// semantics are the locator's own.
type DocumentLocator interface {
	FindByKey(ctx context.Context, sess Session, key map[string]any) (Document, error)
}

// Dialect renders engine-level specifications into backend SQL.
type Dialect interface {
	Name() string

	// Quote quotes an identifier.
	Quote(ident string) string

	// IsControlCommand reports whether text starts a client-side control
	// command rather than a data statement.
	IsControlCommand(text string) bool

	// ApplyFilter rewrites query text so the result honors the filter's
	// conditions, ordering and paging.
	ApplyFilter(query string, f *model.Filter) (string, error)

	// RenderPredicate renders the filter's condition part as SQL text.
	RenderPredicate(f *model.Filter) string

	// Literal renders a native value as an inline SQL literal.
	Literal(v any) string
}
