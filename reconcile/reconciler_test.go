package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querydesk/querydesk/bindings"
	"github.com/querydesk/querydesk/config"
	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/driver/drivertest"
	"github.com/querydesk/querydesk/model"
	"github.com/querydesk/querydesk/resultset"
	"github.com/querydesk/querydesk/transcode"
)

func usersTable() *drivertest.Table {
	return &drivertest.Table{
		TableName: "users",
		CanFilter: true,
		Columns: []driver.Column{
			{Name: "id", Ordinal: 0, Entity: "users", InKey: true, AutoGenerated: true, Type: driver.TypeInfo{Kind: driver.KindNumeric}},
			{Name: "name", Ordinal: 1, Entity: "users"},
			{Name: "email", Ordinal: 2, Entity: "users"},
		},
	}
}

func entryFor(table *drivertest.Table) (*resultset.Entry, *resultset.Registry) {
	reg := resultset.NewRegistry()
	arena := bindings.Resolve(table.Columns)
	arena.Leaves()
	return reg.Register(table, arena, false), reg
}

func newReconciler(conn *drivertest.Conn) *Reconciler {
	return &Reconciler{Conn: conn, Transcoder: transcode.New(config.DefaultQuotas())}
}

func openSession(t *testing.T, conn *drivertest.Conn) *drivertest.Session {
	t.Helper()
	sess, err := conn.OpenSession(context.Background(), driver.PurposeUser)
	require.NoError(t, err)
	return sess.(*drivertest.Session)
}

func TestExecuteEmptyChangeSet(t *testing.T) {
	conn := drivertest.NewConn()
	table := usersTable()
	conn.AddTable(table)
	entry, _ := entryFor(table)
	sess := openSession(t, conn)

	res, err := newReconciler(conn).Execute(context.Background(), sess, entry, model.ChangeSet{})
	require.NoError(t, err)
	assert.Zero(t, res.UpdateCount)
	assert.Empty(t, table.Batches)
	assert.Zero(t, sess.Commits)
}

func TestExecuteOrdersDeletesInsertsUpdates(t *testing.T) {
	conn := drivertest.NewConn()
	table := usersTable()
	conn.AddTable(table)
	entry, _ := entryFor(table)
	sess := openSession(t, conn)

	changes := model.ChangeSet{
		Added: []model.Row{
			{Data: []any{int64(10), "new", "new@x"}},
		},
		Updated: []model.UpdatedRow{
			{Row: model.Row{Data: []any{int64(1), "old", "old@x"}}, Updates: map[int]any{1: "renamed"}},
		},
		Deleted: []model.Row{
			{Data: []any{int64(2), "gone", "gone@x"}},
		},
	}

	res, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.UpdateCount)

	require.Len(t, table.Batches, 3)
	assert.Equal(t, "DELETE", table.Batches[0].Kind)
	assert.Equal(t, "INSERT", table.Batches[1].Kind)
	assert.Equal(t, "UPDATE", table.Batches[2].Kind)

	// delete addressed by key only
	assert.Equal(t, [][]any{{int64(2)}}, table.Batches[0].Rows)
	// update carries set values then key values
	assert.Equal(t, [][]any{{"renamed", int64(1)}}, table.Batches[2].Rows)
}

func TestExecuteTransactionScope(t *testing.T) {
	conn := drivertest.NewConn()
	table := usersTable()
	conn.AddTable(table)
	entry, _ := entryFor(table)
	sess := openSession(t, conn)

	changes := model.ChangeSet{Deleted: []model.Row{{Data: []any{int64(1), "", ""}}}}
	_, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.NoError(t, err)

	// autocommit suspended, savepoint taken, committed, autocommit restored
	assert.Len(t, sess.Savepointed, 1)
	assert.True(t, strings.HasPrefix(sess.Savepointed[0], "querydesk_"))
	assert.Equal(t, 1, sess.Commits)
	auto, _ := sess.Autocommit()
	assert.True(t, auto)
}

func TestExecuteInsideManualTransaction(t *testing.T) {
	conn := drivertest.NewConn()
	table := usersTable()
	conn.AddTable(table)
	entry, _ := entryFor(table)
	sess := openSession(t, conn)
	require.NoError(t, sess.SetAutocommit(context.Background(), false))

	changes := model.ChangeSet{Deleted: []model.Row{{Data: []any{int64(1), "", ""}}}}
	_, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.NoError(t, err)

	// the enclosing transaction is left open for the caller to commit
	assert.Zero(t, sess.Commits)
	auto, _ := sess.Autocommit()
	assert.False(t, auto)
}

func TestExecuteBatchFailureRollsBackToSavepoint(t *testing.T) {
	conn := drivertest.NewConn()
	table := usersTable()
	boom := errors.New("constraint violated")
	table.BatchErr = boom
	conn.AddTable(table)
	entry, _ := entryFor(table)
	sess := openSession(t, conn)

	changes := model.ChangeSet{Deleted: []model.Row{{Data: []any{int64(1), "", ""}}}}
	_, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// rolled back to the savepoint, never committed, autocommit restored
	assert.NotEmpty(t, sess.RolledBackTo)
	assert.Zero(t, sess.Commits)
	auto, _ := sess.Autocommit()
	assert.True(t, auto)
}

func TestExecuteSavepointFailureTolerated(t *testing.T) {
	conn := drivertest.NewConn()
	conn.SavepointErr = errors.New("savepoints not supported in this state")
	table := usersTable()
	conn.AddTable(table)
	entry, _ := entryFor(table)
	sess := openSession(t, conn)

	changes := model.ChangeSet{Deleted: []model.Row{{Data: []any{int64(1), "", ""}}}}
	res, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.UpdateCount)
	assert.Empty(t, sess.Savepointed)
	assert.Equal(t, 1, sess.Commits)
}

func TestExecuteConversionFailureAbortsBeforeIO(t *testing.T) {
	conn := drivertest.NewConn()
	table := usersTable()
	conn.AddTable(table)
	entry, _ := entryFor(table)
	sess := openSession(t, conn)

	changes := model.ChangeSet{
		Updated: []model.UpdatedRow{
			{Row: model.Row{Data: []any{int64(1), "a", "b"}}, Updates: map[int]any{0: "not a number"}},
		},
	}

	_, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
	assert.Empty(t, table.Batches)
	assert.Zero(t, sess.Commits)
}

func TestExecuteRowWithoutKeyRejected(t *testing.T) {
	conn := drivertest.NewConn()
	table := usersTable()
	conn.AddTable(table)
	entry, _ := entryFor(table)
	sess := openSession(t, conn)

	changes := model.ChangeSet{Deleted: []model.Row{{Data: []any{nil, "x", "y"}}}}
	_, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
}

func TestExecuteNonEditableContainer(t *testing.T) {
	conn := drivertest.NewConn()
	conn.AddContainer("report", readOnlyContainer{})

	reg := resultset.NewRegistry()
	cols := []driver.Column{{Name: "id", Entity: "report", InKey: true}}
	arena := bindings.Resolve(cols)
	arena.Leaves()
	entry := reg.Register(readOnlyContainer{}, arena, false)
	sess := openSession(t, conn)

	changes := model.ChangeSet{Deleted: []model.Row{{Data: []any{int64(1)}}}}
	_, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
	assert.Contains(t, err.Error(), "not editable")
}

func TestExecuteNoRowIdentifier(t *testing.T) {
	conn := drivertest.NewConn()
	reg := resultset.NewRegistry()
	cols := []driver.Column{{Name: "count"}}
	arena := bindings.Resolve(cols)
	arena.Leaves()
	entry := reg.Register(nil, arena, false)
	sess := openSession(t, conn)

	changes := model.ChangeSet{Added: []model.Row{{Data: []any{int64(1)}}}}
	_, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
}

func TestExecuteJoinRoutesPerIdentifier(t *testing.T) {
	orders := &drivertest.Table{
		TableName: "orders",
		Columns: []driver.Column{
			{Name: "o_id", Entity: "orders", InKey: true, Type: driver.TypeInfo{Kind: driver.KindNumeric}},
			{Name: "total", Entity: "orders", Type: driver.TypeInfo{Kind: driver.KindNumeric, Scale: 2}},
		},
	}
	customers := &drivertest.Table{
		TableName: "customers",
		Columns: []driver.Column{
			{Name: "c_id", Entity: "customers", InKey: true, Type: driver.TypeInfo{Kind: driver.KindNumeric}},
			{Name: "cname", Entity: "customers"},
		},
	}
	conn := drivertest.NewConn()
	conn.AddTable(orders)
	conn.AddTable(customers)

	// joined shape: o_id, total, c_id, cname
	joined := []driver.Column{
		{Name: "o_id", Entity: "orders", InKey: true, Type: driver.TypeInfo{Kind: driver.KindNumeric}},
		{Name: "total", Entity: "orders", Type: driver.TypeInfo{Kind: driver.KindNumeric, Scale: 2}},
		{Name: "c_id", Entity: "customers", InKey: true, Type: driver.TypeInfo{Kind: driver.KindNumeric}},
		{Name: "cname", Entity: "customers"},
	}
	reg := resultset.NewRegistry()
	arena := bindings.Resolve(joined)
	arena.Leaves()
	entry := reg.Register(orders, arena, false)
	sess := openSession(t, conn)

	changes := model.ChangeSet{
		Updated: []model.UpdatedRow{
			{
				Row:     model.Row{Data: []any{int64(1), "99.95", int64(7), "acme"}},
				Updates: map[int]any{1: "120.00", 3: "acme inc"},
			},
		},
	}

	res, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.UpdateCount)

	require.Len(t, orders.Batches, 1)
	assert.Equal(t, "UPDATE", orders.Batches[0].Kind)
	assert.Equal(t, [][]any{{120.0, int64(1)}}, orders.Batches[0].Rows)

	require.Len(t, customers.Batches, 1)
	assert.Equal(t, "UPDATE", customers.Batches[0].Kind)
	assert.Equal(t, [][]any{{"acme inc", int64(7)}}, customers.Batches[0].Rows)
}

func TestExecuteGeneratedKeysAndRefetch(t *testing.T) {
	conn := drivertest.NewConn()
	table := usersTable()
	table.GeneratedID = func() []any { return []any{int64(7)} }
	table.Data = [][]any{{int64(7), "stored name", "stored@x"}}
	conn.AddTable(table)
	entry, _ := entryFor(table)
	sess := openSession(t, conn)

	changes := model.ChangeSet{
		Added: []model.Row{{Data: []any{nil, "draft", "draft@x"}}},
	}

	res, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)

	// generated key filled, then snapshot replaced by the authoritative read
	assert.Equal(t, int64(7), res.Rows[0].Data[0])
	assert.Equal(t, "stored name", res.Rows[0].Data[1])
}

func TestExecuteRefetchFailureKeepsSnapshot(t *testing.T) {
	conn := drivertest.NewConn()
	table := usersTable()
	table.ReadErr = errors.New("container gone")
	conn.AddTable(table)
	entry, _ := entryFor(table)
	sess := openSession(t, conn)

	changes := model.ChangeSet{
		Updated: []model.UpdatedRow{
			{Row: model.Row{Data: []any{int64(1), "a", "b"}}, Updates: map[int]any{1: "c"}},
		},
	}

	res, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	// update written back into the local snapshot
	assert.Equal(t, "c", res.Rows[0].Data[1])
}

func TestScriptRendersWithoutExecuting(t *testing.T) {
	conn := drivertest.NewConn()
	table := usersTable()
	conn.AddTable(table)
	entry, _ := entryFor(table)
	sess := openSession(t, conn)

	changes := model.ChangeSet{
		Added:   []model.Row{{Data: []any{int64(5), "x", "x@x"}}},
		Deleted: []model.Row{{Data: []any{int64(6), "", ""}}},
	}

	script, err := newReconciler(conn).Script(context.Background(), sess, entry, changes)
	require.NoError(t, err)
	assert.Contains(t, script, "DELETE users")
	assert.Contains(t, script, "INSERT users")
	assert.Contains(t, script, ";\n")

	for _, b := range table.Batches {
		assert.True(t, b.Rendered)
		assert.False(t, b.Executed)
	}
	assert.Zero(t, sess.Commits)
	assert.Empty(t, sess.Savepointed)
}

func TestScriptDoesNotMutateSnapshots(t *testing.T) {
	conn := drivertest.NewConn()
	table := usersTable()
	conn.AddTable(table)
	entry, _ := entryFor(table)
	sess := openSession(t, conn)

	row := model.Row{Data: []any{int64(1), "old", "o@x"}}
	changes := model.ChangeSet{
		Updated: []model.UpdatedRow{{Row: row, Updates: map[int]any{1: "new"}}},
	}

	_, err := newReconciler(conn).Script(context.Background(), sess, entry, changes)
	require.NoError(t, err)
	assert.Equal(t, "old", changes.Updated[0].Row.Data[1])
}

func TestScriptDegradesBadValuesToNull(t *testing.T) {
	conn := drivertest.NewConn()
	table := usersTable()
	conn.AddTable(table)
	entry, _ := entryFor(table)
	sess := openSession(t, conn)

	changes := model.ChangeSet{
		Updated: []model.UpdatedRow{
			{Row: model.Row{Data: []any{int64(1), "a", "b"}}, Updates: map[int]any{0: "not numeric"}},
		},
	}

	script, err := newReconciler(conn).Script(context.Background(), sess, entry, changes)
	require.NoError(t, err)
	assert.Contains(t, script, "NULL")
}

func TestInsertRunsSplitByShape(t *testing.T) {
	conn := drivertest.NewConn()
	table := usersTable()
	conn.AddTable(table)
	entry, _ := entryFor(table)
	sess := openSession(t, conn)

	changes := model.ChangeSet{
		Added: []model.Row{
			{Data: []any{int64(1), "full", "full@x"}},
			{Data: []any{int64(2), "no mail", nil}},
			{Data: []any{int64(3), "also full", "f@x"}},
		},
	}

	_, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.NoError(t, err)

	var inserts []*drivertest.Batch
	for _, b := range table.Batches {
		if b.Kind == "INSERT" {
			inserts = append(inserts, b)
		}
	}
	require.Len(t, inserts, 2)
	assert.Len(t, inserts[0].Rows, 2) // both three-column rows share a batch
	assert.Len(t, inserts[1].Rows, 1)
}

type readOnlyContainer struct{}

func (readOnlyContainer) Name() string     { return "report" }
func (readOnlyContainer) Filterable() bool { return false }

// docStore is a manipulable container whose rows are located by key-map
// lookup instead of literal key values.
type docStore struct {
	*drivertest.Table
	located []map[string]any
}

func (d *docStore) FindByKey(ctx context.Context, sess driver.Session, key map[string]any) (driver.Document, error) {
	d.located = append(d.located, key)
	return driver.StaticDocument{DocID: key["id"], CType: "application/json"}, nil
}

func TestExecuteDeleteThroughDocumentLocator(t *testing.T) {
	conn := drivertest.NewConn()
	store := &docStore{Table: usersTable()}
	conn.AddContainer(store.TableName, store)
	entry, _ := entryFor(store.Table)
	entry.Source = store
	sess := openSession(t, conn)

	changes := model.ChangeSet{
		Deleted: []model.Row{{Data: []any{int64(1), "ada", "ada@x"}}},
	}
	res, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.UpdateCount)

	require.Len(t, store.located, 1)
	assert.Equal(t, int64(1), store.located[0]["id"])

	require.Len(t, store.Batches, 1)
	require.Equal(t, "DELETE", store.Batches[0].Kind)
	require.Len(t, store.Batches[0].Rows, 1)
	doc, ok := store.Batches[0].Rows[0][0].(driver.StaticDocument)
	require.True(t, ok)
	assert.Equal(t, int64(1), doc.DocID)
}

func TestDocumentLocatorCompositeIdentifierSingleKeySlot(t *testing.T) {
	table := &drivertest.Table{
		TableName: "events",
		Columns: []driver.Column{
			{Name: "tenant", Ordinal: 0, Entity: "events", InKey: true},
			{Name: "seq", Ordinal: 1, Entity: "events", InKey: true, Type: driver.TypeInfo{Kind: driver.KindNumeric}},
			{Name: "payload", Ordinal: 2, Entity: "events"},
		},
	}
	conn := drivertest.NewConn()
	store := &docStore{Table: table}
	conn.AddContainer(store.TableName, store)
	entry, _ := entryFor(store.Table)
	entry.Source = store
	sess := openSession(t, conn)

	changes := model.ChangeSet{
		Deleted: []model.Row{{Data: []any{"acme", int64(3), "old"}}},
	}
	_, err := newReconciler(conn).Execute(context.Background(), sess, entry, changes)
	require.NoError(t, err)

	require.Len(t, store.located, 1)
	assert.Equal(t, "acme", store.located[0]["tenant"])
	assert.Equal(t, int64(3), store.located[0]["seq"])

	// the batch key arity matches the single located-document value
	require.Len(t, store.Batches, 1)
	assert.Len(t, store.Batches[0].KeyCols, 1)
	require.Len(t, store.Batches[0].Rows, 1)
	require.Len(t, store.Batches[0].Rows[0], 1)
	_, ok := store.Batches[0].Rows[0][0].(driver.StaticDocument)
	assert.True(t, ok)
}
