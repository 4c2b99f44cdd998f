package resultset

import (
	"context"
	"fmt"

	"github.com/querydesk/querydesk/bindings"
	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/internal/debug"
	"github.com/querydesk/querydesk/model"
	"github.com/querydesk/querydesk/transcode"
)

// Projector materializes a cursor into a registered, flattened result.
type Projector struct {
	Registry   *Registry
	Transcoder *transcode.Transcoder

	// MaxRows caps the buffered rows per result; <= 0 disables the quota.
	MaxRows int64
}

// Projection is the materialized form handed to the caller: the registry
// entry, the flat leaf columns and the transcoded row buffer.
type Projection struct {
	Entry   *Entry
	Columns []driver.Column
	Rows    [][]any

	// HasRowIdentifier reports that a valid default identifier exists,
	// so the result is a candidate for editing.
	HasRowIdentifier bool

	// Filterable reports declarative filter support on the source.
	Filterable bool

	// DocumentChildren marks a "children of a document" sub-collection.
	DocumentChildren bool
}

// Project drains the cursor into a new registered result set. Nested
// columns are flattened into the leaf shape unless mode is
// DisplayDocument. A per-cell fetch failure becomes an in-place error
// marker; exceeding the row quota fails the whole projection.
func (p *Projector) Project(ctx context.Context, cur driver.Cursor, mode model.DisplayMode) (*Projection, error) {
	arena := bindings.Resolve(cur.Columns())
	top := arena.Top()

	var raw [][]any
	for {
		more, err := cur.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch row %d: %w", len(raw), err)
		}
		if !more {
			break
		}
		if p.MaxRows > 0 && int64(len(raw)) >= p.MaxRows {
			return nil, &model.QuotaError{Kind: model.QuotaRows, Limit: p.MaxRows}
		}
		row := make([]any, len(top))
		for i := range top {
			v, err := cur.Cell(ctx, i)
			if err != nil {
				debug.Debug("cell fetch failed", "row", len(raw), "column", i, "err", err)
				v = driver.CellError{Err: err}
			}
			row[i] = v
		}
		raw = append(raw, row)
	}

	flatten := mode != model.DisplayDocument && arena.HasDepth()
	leaves := arena.Leaves()

	docChildren := false
	if dc, ok := cur.(driver.DocumentChildren); ok {
		docChildren = dc.DocumentChildren()
	}
	entry := p.Registry.Register(cur.Source(), arena, docChildren)

	// Document mode keeps the top-level shape; otherwise the output is
	// the flattened leaf shape.
	cols := arena.LeafColumns()
	if !flatten {
		cols = arena.TopColumns()
	}
	rows := make([][]any, len(raw))
	for ri, rawRow := range raw {
		row := make([]any, len(cols))
		if flatten {
			for i, li := range leaves {
				row[i] = p.Transcoder.ToTransport(ctx, cols[i], extractLeaf(ctx, arena, li, rawRow))
			}
		} else {
			for i := range cols {
				row[i] = p.Transcoder.ToTransport(ctx, cols[i], rawRow[i])
			}
		}
		rows[ri] = row
	}

	defID := entry.DefaultIdentifier()
	filterable := entry.Source != nil && entry.Source.Filterable()
	return &Projection{
		Entry:            entry,
		Columns:          cols,
		Rows:             rows,
		HasRowIdentifier: defID.Valid(),
		Filterable:       filterable,
		DocumentChildren: docChildren,
	}, nil
}

// extractLeaf resolves a leaf binding's value from the raw top-level row
// by structural path lookup through composite/document values.
func extractLeaf(ctx context.Context, arena *bindings.Arena, leaf int, rawRow []any) any {
	node := arena.Node(leaf)
	v := rawRow[topPosition(arena.Top(), node.Top)]
	for _, name := range arena.Path(leaf) {
		switch inner := v.(type) {
		case nil:
			return nil
		case driver.CellError:
			return inner
		case driver.Composite:
			fv, ok := inner.Field(name)
			if !ok {
				return nil
			}
			v = fv
		case map[string]any:
			v = inner[name]
		default:
			if doc, ok := inner.(driver.Document); ok {
				data, err := doc.Data(ctx)
				if err != nil {
					return driver.CellError{Err: err}
				}
				fields, ok := data.(map[string]any)
				if !ok {
					return nil
				}
				v = fields[name]
				continue
			}
			return nil
		}
	}
	return v
}

func topPosition(top []int, idx int) int {
	for i, t := range top {
		if t == idx {
			return i
		}
	}
	return 0
}
