// Package bindings resolves raw result columns into column bindings: an
// arena of nodes with integer child indices, a depth-first leaf view used
// for grid flattening, and the row identifiers derived from key columns.
package bindings

import "github.com/querydesk/querydesk/driver"

// Node is one column binding in the arena.
type Node struct {
	Column driver.Column

	// Parent is the arena index of the parent binding, -1 for top level.
	Parent int

	// Children are arena indices, in declared order.
	Children []int

	// Top is the arena index of the node's top-level ancestor.
	Top int

	// FlatOrdinal is the node's position in the flattened leaf row, -1
	// until assigned by Leaves.
	FlatOrdinal int
}

// Arena holds the column bindings of one result set. Bindings never
// change after Resolve; the flattening walk only assigns flat ordinals.
type Arena struct {
	nodes  []Node
	top    []int
	leaves []int
}

// Resolve binds raw result columns, decomposing composite/document
// children into arena nodes.
func Resolve(cols []driver.Column) *Arena {
	a := &Arena{}
	for _, c := range cols {
		idx := a.add(c, -1, -1)
		a.top = append(a.top, idx)
	}
	return a
}

func (a *Arena) add(c driver.Column, parent, top int) int {
	idx := len(a.nodes)
	if top < 0 {
		top = idx
	}
	a.nodes = append(a.nodes, Node{Column: c, Parent: parent, Top: top, FlatOrdinal: -1})
	for _, child := range c.Children {
		ci := a.add(child, idx, top)
		a.nodes[idx].Children = append(a.nodes[idx].Children, ci)
	}
	return idx
}

// Len returns the number of bindings in the arena.
func (a *Arena) Len() int { return len(a.nodes) }

// Node returns the binding at the given arena index.
func (a *Arena) Node(i int) *Node { return &a.nodes[i] }

// Top returns the arena indices of the top-level bindings.
func (a *Arena) Top() []int { return a.top }

// HasDepth reports whether any top-level binding has child structure.
func (a *Arena) HasDepth() bool {
	for _, i := range a.top {
		if len(a.nodes[i].Children) > 0 {
			return true
		}
	}
	return false
}

// Leaves walks the bindings depth-first and returns the arena indices of
// the leaf bindings, assigning each its flat ordinal. Array-typed
// bindings are treated as opaque leaves so a collection never multiplies
// rows. The walk is idempotent.
func (a *Arena) Leaves() []int {
	if a.leaves != nil {
		return a.leaves
	}
	var out []int
	var walk func(i int)
	walk = func(i int) {
		n := &a.nodes[i]
		if len(n.Children) == 0 || n.Column.Type.Kind == driver.KindArray {
			n.FlatOrdinal = len(out)
			out = append(out, i)
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, i := range a.top {
		walk(i)
	}
	a.leaves = out
	return out
}

// LeafColumns returns the flattened leaf shape as plain columns with
// ordinals renumbered to their flat position.
func (a *Arena) LeafColumns() []driver.Column {
	leaves := a.Leaves()
	cols := make([]driver.Column, len(leaves))
	for i, li := range leaves {
		c := a.nodes[li].Column
		c.Ordinal = i
		c.Children = nil
		cols[i] = c
	}
	return cols
}

// TopColumns returns the top-level bindings as columns in declared
// order, children intact.
func (a *Arena) TopColumns() []driver.Column {
	cols := make([]driver.Column, len(a.top))
	for i, ti := range a.top {
		cols[i] = a.nodes[ti].Column
	}
	return cols
}

// Path returns the field names from the node's top-level ancestor down to
// the node, excluding the top-level column itself. Empty for top-level
// nodes.
func (a *Arena) Path(i int) []string {
	var rev []string
	for i >= 0 && a.nodes[i].Parent >= 0 {
		rev = append(rev, a.nodes[i].Column.Name)
		i = a.nodes[i].Parent
	}
	out := make([]string, len(rev))
	for j := range rev {
		out[j] = rev[len(rev)-1-j]
	}
	return out
}
