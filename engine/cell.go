package engine

import (
	"context"
	"fmt"

	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/model"
)

// readCell re-reads one cell of one row out-of-band, addressed by the
// result's default row identifier, and returns the raw driver value
// without preview truncation.
func (c *Context) readCell(ctx context.Context, resultID string, row model.Row, ordinal int) (driver.Column, any, error) {
	entry, err := c.registry.Lookup(resultID)
	if err != nil {
		return driver.Column{}, nil, err
	}
	leafCols := entry.LeafColumns()
	if ordinal < 0 || ordinal >= len(leafCols) {
		return driver.Column{}, nil, &model.ValidationError{Msg: "bad column position", Position: ordinal}
	}
	col := leafCols[ordinal]

	reader, ok := entry.Source.(driver.Reader)
	if !ok {
		return driver.Column{}, nil, model.Validationf("result source does not support value reads")
	}
	defaultID := entry.DefaultIdentifier()
	if !defaultID.Valid() {
		return driver.Column{}, nil, model.Validationf("result has no valid row identifier")
	}

	filter := &model.Filter{Limit: 1}
	for _, ki := range defaultID.Columns {
		n := entry.Arena.Node(ki)
		if n.FlatOrdinal >= len(row.Data) {
			return driver.Column{}, nil, model.Validationf("row snapshot is missing key column %s", n.Column.DisplayName())
		}
		nv, err := c.proc.trans.ToNative(n.Column, row.Data[n.FlatOrdinal])
		if err != nil {
			return driver.Column{}, nil, err
		}
		filter.Constraints = append(filter.Constraints, model.Constraint{
			Column: n.Column.Name, Operator: "=", Value: nv,
		})
	}

	cur, err := reader.OpenCursor(ctx, c.sess, filter, driver.StatementOptions{Limit: 1})
	if err != nil {
		return driver.Column{}, nil, fmt.Errorf("read cell from %s: %w", entry.Source.Name(), err)
	}
	defer cur.Close()

	more, err := cur.Next(ctx)
	if err != nil {
		return driver.Column{}, nil, fmt.Errorf("read cell from %s: %w", entry.Source.Name(), err)
	}
	if !more {
		return driver.Column{}, nil, model.Validationf("row not found in %s", entry.Source.Name())
	}

	for ci, cc := range cur.Columns() {
		if cc.Name == col.Name {
			v, err := cur.Cell(ctx, ci)
			if err != nil {
				return driver.Column{}, nil, fmt.Errorf("fetch cell %s: %w", col.DisplayName(), err)
			}
			return col, v, nil
		}
	}
	return driver.Column{}, nil, model.Validationf("column %s not present in re-read", col.DisplayName())
}

// ReadCellText reads a single large cell value out-of-band as full text.
func (c *Context) ReadCellText(ctx context.Context, resultID string, row model.Row, ordinal int) (string, error) {
	_, v, err := c.readCell(ctx, resultID, row, ordinal)
	if err != nil {
		return "", err
	}
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case driver.Content:
		if val.Data != nil {
			return string(val.Data), nil
		}
		return val.Text, nil
	default:
		return fmt.Sprintf("%v", val), nil
	}
}

// ReadCellBlob reads a single large cell value out-of-band as raw bytes,
// suitable for download.
func (c *Context) ReadCellBlob(ctx context.Context, resultID string, row model.Row, ordinal int) ([]byte, error) {
	col, v, err := c.readCell(ctx, resultID, row, ordinal)
	if err != nil {
		return nil, err
	}
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	case driver.Content:
		if val.Data != nil {
			return val.Data, nil
		}
		return []byte(val.Text), nil
	default:
		return nil, model.Validationf("column %s does not hold binary content", col.DisplayName())
	}
}
