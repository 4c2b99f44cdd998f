package sqladapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/model"
)

func TestQuote(t *testing.T) {
	pg := &dialect{provider: ProviderPostgres}
	my := &dialect{provider: ProviderMySQL}

	assert.Equal(t, `"users"`, pg.Quote("users"))
	assert.Equal(t, `"odd""name"`, pg.Quote(`odd"name`))
	assert.Equal(t, "`users`", my.Quote("users"))
	assert.Equal(t, "`odd``name`", my.Quote("odd`name"))
}

func TestPlaceholder(t *testing.T) {
	assert.Equal(t, "$2", (&dialect{provider: ProviderPostgres}).placeholder(2))
	assert.Equal(t, "$1", (&dialect{provider: "postgresql"}).placeholder(1))
	assert.Equal(t, "?", (&dialect{provider: ProviderMySQL}).placeholder(3))
	assert.Equal(t, "?", (&dialect{provider: ProviderSQLite}).placeholder(1))
}

func TestIsControlCommand(t *testing.T) {
	d := &dialect{provider: ProviderPostgres}
	assert.True(t, d.IsControlCommand(`\dt`))
	assert.True(t, d.IsControlCommand("  \\connect other"))
	assert.False(t, d.IsControlCommand("SELECT 1"))
	assert.False(t, d.IsControlCommand(""))
}

func TestApplyFilter(t *testing.T) {
	d := &dialect{provider: ProviderPostgres}

	t.Run("no conditions passes through", func(t *testing.T) {
		out, err := d.ApplyFilter("SELECT * FROM t", &model.Filter{})
		require.NoError(t, err)
		assert.Equal(t, "SELECT * FROM t", out)
	})

	t.Run("conditions wrap as subselect", func(t *testing.T) {
		f := &model.Filter{
			Constraints: []model.Constraint{
				{Column: "status", Operator: "=", Value: "open"},
			},
		}
		out, err := d.ApplyFilter("SELECT * FROM tickets;", f)
		require.NoError(t, err)
		assert.Equal(t, `SELECT * FROM (SELECT * FROM tickets) qd_sub WHERE "status" = 'open'`, out)
	})

	t.Run("ordering and paging", func(t *testing.T) {
		f := &model.Filter{
			Constraints: []model.Constraint{
				{Column: "created", OrderPosition: 1, OrderDesc: true},
				{Column: "id", OrderPosition: 2},
			},
			Offset: 20,
			Limit:  10,
		}
		out, err := d.ApplyFilter("SELECT * FROM tickets", f)
		require.NoError(t, err)
		assert.Equal(t, `SELECT * FROM (SELECT * FROM tickets) qd_sub ORDER BY "created" DESC, "id" LIMIT 10 OFFSET 20`, out)
	})
}

func TestRenderPredicate(t *testing.T) {
	d := &dialect{provider: ProviderPostgres}

	f := &model.Filter{
		Constraints: []model.Constraint{
			{Column: "age", Operator: ">=", Value: 21},
			{Column: "deleted_at", Operator: "is null"},
			{Column: "created", OrderPosition: 1}, // pure ordering, no condition
		},
		Where: "name LIKE 'a%'",
	}
	assert.Equal(t, `"age" >= 21 AND "deleted_at" IS NULL AND (name LIKE 'a%')`, d.RenderPredicate(f))
	assert.Equal(t, "", d.RenderPredicate(nil))
}

func TestLiteral(t *testing.T) {
	pg := &dialect{provider: ProviderPostgres}
	my := &dialect{provider: ProviderMySQL}
	lite := &dialect{provider: ProviderSQLite}

	assert.Equal(t, "NULL", pg.Literal(nil))
	assert.Equal(t, "'o''hare'", pg.Literal("o'hare"))
	assert.Equal(t, "TRUE", pg.Literal(true))
	assert.Equal(t, "1", my.Literal(true))
	assert.Equal(t, "0", lite.Literal(false))
	assert.Equal(t, `'\xdead'`, pg.Literal([]byte{0xde, 0xad}))
	assert.Equal(t, "X'dead'", my.Literal([]byte{0xde, 0xad}))
	assert.Equal(t, "42", pg.Literal(42))
	assert.Equal(t, "12.5", pg.Literal(12.5))

	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, "'2024-03-01 09:30:00'", pg.Literal(ts))

	geo := driver.Geometry{SRID: 4326, WKT: "POINT(1 2)"}
	assert.Equal(t, "'POINT(1 2)'", pg.Literal(geo))
}

func TestIsQueryText(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"SELECT 1", true},
		{"  with cte as (select 1) select * from cte", true},
		{"SHOW TABLES", true},
		{"PRAGMA table_info(t)", true},
		{"EXPLAIN SELECT 1", true},
		{"INSERT INTO t VALUES (1)", false},
		{"INSERT INTO t VALUES (1) RETURNING id", true},
		{"UPDATE t SET x = 1", false},
		{"CREATE TABLE t (id int)", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isQueryText(tc.text), tc.text)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		typeName string
		want     driver.TypeKind
	}{
		{"BOOLEAN", driver.KindBoolean},
		{"INT8", driver.KindNumeric},
		{"BIGSERIAL", driver.KindNumeric},
		{"DECIMAL", driver.KindNumeric},
		{"DOUBLE PRECISION", driver.KindNumeric},
		{"TIMESTAMPTZ", driver.KindDateTime},
		{"DATE", driver.KindDateTime},
		{"BYTEA", driver.KindBinary},
		{"LONGBLOB", driver.KindBinary},
		{"JSONB", driver.KindDocument},
		{"GEOMETRY", driver.KindGeometry},
		{"XML", driver.KindContent},
		{"VARCHAR", driver.KindString},
		{"sun-dial", driver.KindString},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, kindOf(tc.typeName), tc.typeName)
	}
}

func TestNormalizeVersion(t *testing.T) {
	assert.Equal(t, "8.0.36", normalizeVersion("8.0.36-0ubuntu0.22.04.1"))
	assert.Equal(t, "16.2", normalizeVersion("16.2 (Debian 16.2-1)"))
	assert.Equal(t, "5.0.2", normalizeVersion("5.0.2"))
}
