// Package sqladapter implements the engine driver abstraction on top of
// database/sql for PostgreSQL, MySQL and SQLite backends.
package sqladapter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver

	goversion "github.com/hashicorp/go-version"

	"github.com/querydesk/querydesk/config"
	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/internal/debug"
)

// Providers recognized by Connect.
const (
	ProviderPostgres = "postgres"
	ProviderMySQL    = "mysql"
	ProviderSQLite   = "sqlite"
)

// mysqlSavepointFloor is the first MySQL release with savepoint support.
var mysqlSavepointFloor = goversion.Must(goversion.NewVersion("5.0.3"))

// Conn is one open connection to a SQL backend.
type Conn struct {
	db         *sql.DB
	provider   string
	dialect    *dialect
	version    *goversion.Version
	savepoints bool
}

// Connect opens and verifies a connection for the configured provider.
func Connect(ctx context.Context, cfg config.Database) (*Conn, error) {
	driverName, err := driverNameFor(cfg.Provider)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxConnections / 2)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	c := &Conn{
		db:         db,
		provider:   cfg.Provider,
		dialect:    &dialect{provider: cfg.Provider},
		savepoints: true,
	}
	c.detectVersion(ctx)
	return c, nil
}

func driverNameFor(provider string) (string, error) {
	switch provider {
	case ProviderPostgres, "postgresql":
		return "postgres", nil
	case ProviderMySQL:
		return "mysql", nil
	case ProviderSQLite, "sqlite3":
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("unsupported provider %q", provider)
	}
}

// detectVersion reads the server version and gates capabilities that
// depend on it. Failures leave the defaults in place.
func (c *Conn) detectVersion(ctx context.Context) {
	var query string
	switch c.provider {
	case ProviderMySQL:
		query = "SELECT VERSION()"
	case ProviderSQLite, "sqlite3":
		query = "SELECT sqlite_version()"
	default:
		query = "SHOW server_version"
	}

	var raw string
	if err := c.db.QueryRowContext(ctx, query).Scan(&raw); err != nil {
		debug.Debug("server version detection failed", "provider", c.provider, "err", err)
		return
	}
	v, err := goversion.NewVersion(normalizeVersion(raw))
	if err != nil {
		debug.Debug("unparseable server version", "raw", raw, "err", err)
		return
	}
	c.version = v
	if c.provider == ProviderMySQL {
		c.savepoints = v.GreaterThanOrEqual(mysqlSavepointFloor)
	}
}

// normalizeVersion strips vendor suffixes like "8.0.36-ubuntu".
func normalizeVersion(raw string) string {
	for i, r := range raw {
		if (r < '0' || r > '9') && r != '.' {
			return raw[:i]
		}
	}
	return raw
}

// OpenSession implements driver.Connection.
func (c *Conn) OpenSession(ctx context.Context, _ driver.Purpose) (driver.Session, error) {
	return &Session{conn: c}, nil
}

// Dialect implements driver.Connection.
func (c *Conn) Dialect() driver.Dialect { return c.dialect }

// Entity implements driver.Connection: it resolves a table and
// introspects its primary key.
func (c *Conn) Entity(ctx context.Context, name string) (driver.Container, error) {
	t := &Table{conn: c, name: name}
	if err := t.introspect(ctx); err != nil {
		return nil, fmt.Errorf("introspect %s: %w", name, err)
	}
	return t, nil
}

// MaxResults implements driver.Connection. database/sql surfaces one
// result per statement.
func (c *Conn) MaxResults() int { return 1 }

// Version returns the detected server version, or nil.
func (c *Conn) Version() *goversion.Version { return c.version }

// Close closes the underlying pool.
func (c *Conn) Close() error { return c.db.Close() }
