package sqladapter

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/model"
)

// dialect renders engine specifications as provider-specific SQL.
type dialect struct {
	provider string
}

// Name implements driver.Dialect.
func (d *dialect) Name() string { return d.provider }

// Quote implements driver.Dialect.
func (d *dialect) Quote(ident string) string {
	if d.provider == ProviderMySQL {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// placeholder returns the provider's bind-parameter marker for the
// 1-based argument position.
func (d *dialect) placeholder(pos int) string {
	if d.provider == ProviderPostgres || d.provider == "postgresql" {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}

// IsControlCommand implements driver.Dialect: client-side commands start
// with a backslash, psql style.
func (d *dialect) IsControlCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), `\`)
}

// ApplyFilter implements driver.Dialect: the query is wrapped as a
// subselect and the filter's conditions, ordering and paging appended.
func (d *dialect) ApplyFilter(query string, f *model.Filter) (string, error) {
	if !f.HasConditions() && f.Limit <= 0 && f.Offset <= 0 {
		return query, nil
	}

	var b strings.Builder
	b.WriteString("SELECT * FROM (")
	b.WriteString(strings.TrimRight(strings.TrimSpace(query), ";"))
	b.WriteString(") qd_sub")

	if pred := d.RenderPredicate(f); pred != "" {
		b.WriteString(" WHERE ")
		b.WriteString(pred)
	}
	if ordered := f.Ordered(); len(ordered) > 0 {
		b.WriteString(" ORDER BY ")
		for i, c := range ordered {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Quote(c.Column))
			if c.OrderDesc {
				b.WriteString(" DESC")
			}
		}
	}
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", f.Offset)
	}
	return b.String(), nil
}

// RenderPredicate implements driver.Dialect.
func (d *dialect) RenderPredicate(f *model.Filter) string {
	if f == nil {
		return ""
	}
	var parts []string
	for _, c := range f.Constraints {
		if !c.Condition() {
			continue
		}
		parts = append(parts, d.renderCondition(c))
	}
	if f.Where != "" {
		parts = append(parts, "("+f.Where+")")
	}
	return strings.Join(parts, " AND ")
}

func (d *dialect) renderCondition(c model.Constraint) string {
	op := strings.ToUpper(c.Operator)
	switch op {
	case "IS NULL", "IS NOT NULL":
		return fmt.Sprintf("%s %s", d.Quote(c.Column), op)
	default:
		return fmt.Sprintf("%s %s %s", d.Quote(c.Column), op, d.Literal(c.Value))
	}
}

// Literal implements driver.Dialect.
func (d *dialect) Literal(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if d.provider == ProviderMySQL || d.provider == ProviderSQLite || d.provider == "sqlite3" {
			if val {
				return "1"
			}
			return "0"
		}
		if val {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case []byte:
		if d.provider == ProviderPostgres || d.provider == "postgresql" {
			return `'\x` + hex.EncodeToString(val) + "'"
		}
		return "X'" + hex.EncodeToString(val) + "'"
	case time.Time:
		return "'" + val.Format("2006-01-02 15:04:05.999999") + "'"
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case driver.Geometry:
		return "'" + strings.ReplaceAll(val.WKT, "'", "''") + "'"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// isQueryText classifies statement text as row-producing.
func isQueryText(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	for _, kw := range []string{"SELECT", "WITH", "SHOW", "VALUES", "PRAGMA", "EXPLAIN", "DESCRIBE", "TABLE "} {
		if strings.HasPrefix(head, kw) {
			return true
		}
	}
	return strings.Contains(head, " RETURNING ")
}
