package resultset

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querydesk/querydesk/bindings"
	"github.com/querydesk/querydesk/config"
	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/driver/drivertest"
	"github.com/querydesk/querydesk/model"
	"github.com/querydesk/querydesk/transcode"
)

func newProjector(maxRows int64) *Projector {
	return &Projector{
		Registry:   NewRegistry(),
		Transcoder: transcode.New(config.DefaultQuotas()),
		MaxRows:    maxRows,
	}
}

func TestProjectFlatResult(t *testing.T) {
	cols := []driver.Column{
		{Name: "id", Ordinal: 0, Entity: "users", InKey: true, Type: driver.TypeInfo{Kind: driver.KindNumeric}},
		{Name: "name", Ordinal: 1, Entity: "users"},
	}
	cur := drivertest.NewCursor(cols, [][]any{
		{int64(1), "ada"},
		{int64(2), "linus"},
	}, nil)

	proj, err := newProjector(0).Project(context.Background(), cur, model.DisplayRelational)
	require.NoError(t, err)

	assert.Equal(t, "1", proj.Entry.ID)
	require.Len(t, proj.Rows, 2)
	assert.Equal(t, []any{int64(1), "ada"}, proj.Rows[0])
	assert.True(t, proj.HasRowIdentifier)
	assert.False(t, proj.Filterable)
}

func TestProjectFlattensComposite(t *testing.T) {
	cols := []driver.Column{
		{Name: "id", Entity: "users", InKey: true},
		{Name: "address", Type: driver.TypeInfo{Kind: driver.KindStruct}, Children: []driver.Column{
			{Name: "city"},
			{Name: "zip"},
		}},
	}
	cur := drivertest.NewCursor(cols, [][]any{
		{int64(1), driver.Composite{Names: []string{"city", "zip"}, Values: []any{"Oslo", "0150"}}},
		{int64(2), nil},
	}, nil)

	proj, err := newProjector(0).Project(context.Background(), cur, model.DisplayRelational)
	require.NoError(t, err)

	require.Len(t, proj.Columns, 3)
	assert.Equal(t, []string{"id", "city", "zip"},
		[]string{proj.Columns[0].Name, proj.Columns[1].Name, proj.Columns[2].Name})

	assert.Equal(t, []any{int64(1), "Oslo", "0150"}, proj.Rows[0])
	// a null composite contributes null leaves
	assert.Equal(t, []any{int64(2), nil, nil}, proj.Rows[1])
}

func TestProjectDocumentModeKeepsStructure(t *testing.T) {
	cols := []driver.Column{
		{Name: "doc", Type: driver.TypeInfo{Kind: driver.KindDocument}},
	}
	cur := drivertest.NewCursor(cols, [][]any{
		{map[string]any{"title": "x"}},
	}, nil)

	proj, err := newProjector(0).Project(context.Background(), cur, model.DisplayDocument)
	require.NoError(t, err)

	require.Len(t, proj.Rows, 1)
	assert.Equal(t, map[string]any{"title": "x"}, proj.Rows[0][0])
}

func TestProjectDocumentModeKeepsTopLevelColumns(t *testing.T) {
	cols := []driver.Column{
		{Name: "id", Entity: "users", InKey: true, Type: driver.TypeInfo{Kind: driver.KindNumeric}},
		{Name: "address", Type: driver.TypeInfo{Kind: driver.KindStruct}, Children: []driver.Column{
			{Name: "city"},
			{Name: "zip"},
		}},
	}
	cur := drivertest.NewCursor(cols, [][]any{
		{int64(1), driver.Composite{Names: []string{"city", "zip"}, Values: []any{"Oslo", "0150"}}},
	}, nil)

	proj, err := newProjector(0).Project(context.Background(), cur, model.DisplayDocument)
	require.NoError(t, err)

	// top-level shape, not the flattened leaves
	require.Len(t, proj.Columns, 2)
	assert.Equal(t, "id", proj.Columns[0].Name)
	assert.Equal(t, "address", proj.Columns[1].Name)

	require.Len(t, proj.Rows, 1)
	require.Len(t, proj.Rows[0], 2)
	assert.Equal(t, int64(1), proj.Rows[0][0])
	tagged, ok := proj.Rows[0][1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, transcode.TagMap, tagged["$type"])
	fields, ok := tagged["value"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Oslo", fields["city"])
}

func TestProjectRowQuota(t *testing.T) {
	cols := []driver.Column{{Name: "n"}}
	cur := drivertest.NewCursor(cols, [][]any{{1}, {2}, {3}}, nil)

	_, err := newProjector(2).Project(context.Background(), cur, model.DisplayRelational)
	require.Error(t, err)

	var quota *model.QuotaError
	require.True(t, errors.As(err, &quota))
	assert.Equal(t, model.QuotaRows, quota.Kind)
	assert.Equal(t, int64(2), quota.Limit)
}

func TestProjectCellErrorMarker(t *testing.T) {
	cols := []driver.Column{{Name: "a"}, {Name: "b"}}
	cur := drivertest.NewCursor(cols, [][]any{{"ok", "never seen"}}, nil)
	cur.CellErrs = map[[2]int]error{{0, 1}: errors.New("stream reset")}

	proj, err := newProjector(0).Project(context.Background(), cur, model.DisplayRelational)
	require.NoError(t, err)

	assert.Equal(t, "ok", proj.Rows[0][0])
	marker, ok := proj.Rows[0][1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, transcode.TagError, marker["$type"])
	assert.Contains(t, marker["message"], "stream reset")
}

func TestProjectSourceDrivesEditability(t *testing.T) {
	table := &drivertest.Table{TableName: "users", CanFilter: true}
	cols := []driver.Column{
		{Name: "id", Entity: "users", InKey: true},
	}
	cur := drivertest.NewCursor(cols, nil, table)

	proj, err := newProjector(0).Project(context.Background(), cur, model.DisplayRelational)
	require.NoError(t, err)

	assert.True(t, proj.Filterable)
	assert.True(t, proj.HasRowIdentifier)
	assert.Equal(t, table, proj.Entry.Source)
}

func TestRegistryIDsMonotonic(t *testing.T) {
	r := NewRegistry()
	proj := &Projector{Registry: r, Transcoder: transcode.New(config.DefaultQuotas())}

	cols := []driver.Column{{Name: "n"}}
	first, err := proj.Project(context.Background(), drivertest.NewCursor(cols, nil, nil), model.DisplayRelational)
	require.NoError(t, err)
	second, err := proj.Project(context.Background(), drivertest.NewCursor(cols, nil, nil), model.DisplayRelational)
	require.NoError(t, err)

	assert.Equal(t, "1", first.Entry.ID)
	assert.Equal(t, "2", second.Entry.ID)

	// closing an id never frees it for reuse
	require.True(t, r.Close("2"))
	third, err := proj.Project(context.Background(), drivertest.NewCursor(cols, nil, nil), model.DisplayRelational)
	require.NoError(t, err)
	assert.Equal(t, "3", third.Entry.ID)
}

func TestRegistryLookupAndClose(t *testing.T) {
	r := NewRegistry()
	e := r.Register(nil, arenaOf(t), false)

	got, err := r.Lookup(e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	assert.True(t, r.Close(e.ID))
	assert.False(t, r.Close(e.ID))

	_, err = r.Lookup(e.ID)
	assert.True(t, model.IsValidation(err))
}

func TestRegistryListOrdered(t *testing.T) {
	r := NewRegistry()
	a := r.Register(nil, arenaOf(t), false)
	b := r.Register(nil, arenaOf(t), false)
	c := r.Register(nil, arenaOf(t), false)
	r.Close(b.ID)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, c.ID, list[1].ID)

	r.CloseAll()
	assert.Empty(t, r.List())
}

func arenaOf(t *testing.T) *bindings.Arena {
	t.Helper()
	return bindings.Resolve([]driver.Column{{Name: "x"}})
}
