package bindings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querydesk/querydesk/driver"
)

func flatCols(names ...string) []driver.Column {
	cols := make([]driver.Column, len(names))
	for i, n := range names {
		cols[i] = driver.Column{Name: n, Ordinal: i}
	}
	return cols
}

func TestResolveFlatColumns(t *testing.T) {
	a := Resolve(flatCols("id", "name", "email"))

	assert.Equal(t, 3, a.Len())
	assert.False(t, a.HasDepth())

	leaves := a.Leaves()
	require.Len(t, leaves, 3)
	for i, li := range leaves {
		assert.Equal(t, i, a.Node(li).FlatOrdinal)
		assert.Equal(t, li, a.Node(li).Top)
		assert.Equal(t, -1, a.Node(li).Parent)
	}
}

func TestResolveCompositeChildren(t *testing.T) {
	cols := []driver.Column{
		{Name: "id"},
		{
			Name: "address",
			Type: driver.TypeInfo{Kind: driver.KindStruct},
			Children: []driver.Column{
				{Name: "city"},
				{Name: "geo", Type: driver.TypeInfo{Kind: driver.KindStruct}, Children: []driver.Column{
					{Name: "lat"},
					{Name: "lon"},
				}},
			},
		},
	}
	a := Resolve(cols)

	// id + address + city + geo + lat + lon
	assert.Equal(t, 6, a.Len())
	assert.True(t, a.HasDepth())
	require.Len(t, a.Top(), 2)

	leaves := a.Leaves()
	require.Len(t, leaves, 4)

	names := make([]string, len(leaves))
	for i, li := range leaves {
		names[i] = a.Node(li).Column.Name
	}
	assert.Equal(t, []string{"id", "city", "lat", "lon"}, names)

	// Every leaf under address shares its top-level ancestor.
	addrTop := a.Top()[1]
	for _, li := range leaves[1:] {
		assert.Equal(t, addrTop, a.Node(li).Top)
	}
}

func TestLeavesArrayStaysOpaque(t *testing.T) {
	cols := []driver.Column{
		{Name: "id"},
		{
			Name: "tags",
			Type: driver.TypeInfo{Kind: driver.KindArray},
			Children: []driver.Column{
				{Name: "element"},
			},
		},
	}
	a := Resolve(cols)

	leaves := a.Leaves()
	require.Len(t, leaves, 2)
	assert.Equal(t, "tags", a.Node(leaves[1]).Column.Name)
}

func TestLeavesIdempotent(t *testing.T) {
	a := Resolve(flatCols("a", "b"))
	first := a.Leaves()
	second := a.Leaves()
	assert.Equal(t, first, second)
}

func TestLeafColumnsRenumbered(t *testing.T) {
	cols := []driver.Column{
		{Name: "id", Ordinal: 0},
		{
			Name:    "doc",
			Ordinal: 1,
			Type:    driver.TypeInfo{Kind: driver.KindStruct},
			Children: []driver.Column{
				{Name: "title"},
				{Name: "body"},
			},
		},
	}
	a := Resolve(cols)

	flat := a.LeafColumns()
	require.Len(t, flat, 3)
	for i, c := range flat {
		assert.Equal(t, i, c.Ordinal)
		assert.Nil(t, c.Children)
	}
	assert.Equal(t, []string{"id", "title", "body"}, []string{flat[0].Name, flat[1].Name, flat[2].Name})
}

func TestPath(t *testing.T) {
	cols := []driver.Column{
		{
			Name: "address",
			Type: driver.TypeInfo{Kind: driver.KindStruct},
			Children: []driver.Column{
				{Name: "geo", Type: driver.TypeInfo{Kind: driver.KindStruct}, Children: []driver.Column{
					{Name: "lat"},
				}},
			},
		},
	}
	a := Resolve(cols)
	leaves := a.Leaves()
	require.Len(t, leaves, 1)

	assert.Equal(t, []string{"geo", "lat"}, a.Path(leaves[0]))
	assert.Empty(t, a.Path(a.Top()[0]))
}

func TestIdentifiersGroupedByEntity(t *testing.T) {
	cols := []driver.Column{
		{Name: "o_id", Entity: "orders", InKey: true},
		{Name: "c_id", Entity: "customers", InKey: true},
		{Name: "o_line", Entity: "orders", InKey: true},
		{Name: "total", Entity: "orders"},
		{Name: "computed"},
	}
	a := Resolve(cols)

	ids := a.Identifiers()
	require.Len(t, ids, 2)

	assert.Equal(t, "orders", ids[0].Entity)
	assert.Len(t, ids[0].Columns, 2)
	assert.Equal(t, "customers", ids[1].Entity)
	assert.Len(t, ids[1].Columns, 1)
	assert.True(t, ids[0].Valid())
}

func TestIdentifiersNoneWithoutKeys(t *testing.T) {
	a := Resolve(flatCols("a", "b"))
	assert.Empty(t, a.Identifiers())

	var nilID *RowIdentifier
	assert.False(t, nilID.Valid())
	assert.False(t, (&RowIdentifier{Entity: "t"}).Valid())
}

func TestOwnerOf(t *testing.T) {
	cols := []driver.Column{
		{Name: "id", Entity: "orders", InKey: true},
		{Name: "total", Entity: "orders"},
		{Name: "computed"},
	}
	a := Resolve(cols)
	ids := a.Identifiers()
	require.Len(t, ids, 1)

	owner := OwnerOf(ids, a, 1)
	require.NotNil(t, owner)
	assert.Equal(t, "orders", owner.Entity)

	assert.Nil(t, OwnerOf(ids, a, 2))
}
