// Package landscape is the audit store: the relational record of everything
// a run did, the content-addressed payload store beside it, and the signed
// export path out of it.
//
// The audit trail is Tier-1 data. Writes happen inside transactions, reads
// that find impossible shapes fail with AuditIntegrityError, and nothing in
// this package ever "repairs" a record.
package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Dialect selects the storage engine. SQLite is the developer default;
// MySQL serves shared deployments.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

// DB wraps the SQL connection with dialect awareness and schema management.
type DB struct {
	db      *sql.DB
	dialect Dialect
	dsn     string

	mu     sync.RWMutex
	closed bool
}

// Open connects to the audit database and prepares the connection for the
// engine's access pattern. It does not create or validate the schema; call
// EnsureSchema before first use.
//
// SQLite DSNs are file paths (":memory:" works for tests). MySQL DSNs are
// the usual "user:pass@tcp(host:port)/dbname" form.
func Open(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectMySQL:
		driver = "mysql"
	default:
		return nil, fmt.Errorf("unsupported landscape dialect %q (sqlite or mysql)", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s audit database: %w", dialect, err)
	}

	switch dialect {
	case DialectSQLite:
		// One writer at a time; WAL lets readers proceed during writes.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("configuring sqlite (%s): %w", pragma, err)
			}
		}
	case DialectMySQL:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging audit database: %w", err)
	}

	return &DB{db: db, dialect: dialect, dsn: dsn}, nil
}

// Dialect returns the configured storage engine.
func (d *DB) Dialect() Dialect { return d.dialect }

// EnsureSchema creates the audit tables on an empty database, or validates
// an existing database against the schema the code expects. Validation
// failures are fatal: running against a half-matching schema would corrupt
// the audit trail silently.
func (d *DB) EnsureSchema(ctx context.Context) error {
	exists, err := d.tableExists(ctx, "runs")
	if err != nil {
		return err
	}
	if !exists {
		return d.createSchema(ctx)
	}
	return d.ValidateSchema(ctx)
}

func (d *DB) createSchema(ctx context.Context) error {
	for _, t := range auditTables {
		if _, err := d.db.ExecContext(ctx, t.create); err != nil {
			return fmt.Errorf("creating table %s: %w", t.name, err)
		}
		for _, idx := range t.indexes {
			if _, err := d.db.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("creating index on %s: %w", t.name, err)
			}
		}
	}
	return nil
}

// ValidateSchema checks every required table and column is present,
// collecting all problems into one error so the operator fixes the database
// once, not column by column.
func (d *DB) ValidateSchema(ctx context.Context) error {
	var problems []string
	names := make([]string, 0, len(requiredColumns))
	for name := range requiredColumns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, table := range names {
		have, err := d.tableColumns(ctx, table)
		if err != nil {
			return err
		}
		if len(have) == 0 {
			problems = append(problems, fmt.Sprintf("table %s is missing", table))
			continue
		}
		for _, col := range requiredColumns[table] {
			if !have[col] {
				problems = append(problems, fmt.Sprintf("table %s is missing column %s", table, col))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("audit database does not match the expected schema (run 'elspeth landscape-migrate' or point at a fresh database):\n  %s",
			strings.Join(problems, "\n  "))
	}
	return nil
}

func (d *DB) tableExists(ctx context.Context, name string) (bool, error) {
	var query string
	switch d.dialect {
	case DialectSQLite:
		query = "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?"
	case DialectMySQL:
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
	}
	var found string
	err := d.db.QueryRowContext(ctx, query, name).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking for table %s: %w", name, err)
	}
	return true, nil
}

func (d *DB) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	var query string
	switch d.dialect {
	case DialectSQLite:
		query = "SELECT name FROM pragma_table_info(?)"
	case DialectMySQL:
		query = "SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ?"
	}
	rows, err := d.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("inspecting table %s: %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("inspecting table %s: %w", table, err)
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

// QueryContext runs a read query. The MCP server and the CLI's inspection
// commands use this; writes go through the Recorder.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, fmt.Errorf("audit database is closed")
	}
	d.mu.RUnlock()
	return d.db.QueryContext(ctx, query, args...)
}

func (d *DB) beginTx(ctx context.Context) (*sql.Tx, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, fmt.Errorf("audit database is closed")
	}
	d.mu.RUnlock()
	return d.db.BeginTx(ctx, nil)
}

// Ping verifies connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close releases the connection pool. Safe to call twice.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

// Timestamps are stored as RFC 3339 strings with explicit UTC zone so the
// audit trail reads the same on every engine and in every tool.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed audit timestamp %q: %w", s, err)
	}
	return t, nil
}
