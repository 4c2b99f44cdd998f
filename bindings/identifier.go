package bindings

// RowIdentifier is the set of leaf bindings from one originating entity
// that together uniquely address a row. A joined result set carries one
// identifier per joined entity.
type RowIdentifier struct {
	// Entity is the owning table/collection name.
	Entity string

	// Columns are arena indices of the identifier's leaf key bindings.
	Columns []int
}

// Valid reports whether the identifier can address rows: at least one
// attribute-backed key column.
func (r *RowIdentifier) Valid() bool {
	return r != nil && len(r.Columns) > 0 && r.Entity != ""
}

// Identifiers derives the row identifiers of the arena's leaf shape,
// grouping key columns by owning entity in first-appearance order.
func (a *Arena) Identifiers() []RowIdentifier {
	var ids []RowIdentifier
	byEntity := map[string]int{}
	for _, li := range a.Leaves() {
		c := a.nodes[li].Column
		if !c.InKey || c.Entity == "" {
			continue
		}
		pos, ok := byEntity[c.Entity]
		if !ok {
			pos = len(ids)
			byEntity[c.Entity] = pos
			ids = append(ids, RowIdentifier{Entity: c.Entity})
		}
		ids[pos].Columns = append(ids[pos].Columns, li)
	}
	return ids
}

// OwnerOf returns the identifier owning the given leaf arena index, or
// nil when the column belongs to no identifier's entity.
func OwnerOf(ids []RowIdentifier, a *Arena, leaf int) *RowIdentifier {
	entity := a.Node(leaf).Column.Entity
	if entity == "" {
		return nil
	}
	for i := range ids {
		if ids[i].Entity == entity {
			return &ids[i]
		}
	}
	return nil
}
