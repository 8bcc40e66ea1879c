// Package database opens the SQL store shared by the credential list and the
// firmware update history. SQLite is the default; PostgreSQL is used when a
// DSN is configured.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/smartprobe/probed/internal/logging"
	"github.com/smartprobe/probed/internal/metrics"
)

// Dialect identifies the SQL flavour of an open database.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

//go:embed migrations
var migrationsFS embed.FS

// DB wraps *sql.DB with its dialect.
type DB struct {
	*sql.DB
	dialect Dialect
}

// OpenSQLite opens (creating if needed) probed.db inside dir.
func OpenSQLite(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := filepath.Join(dir, "probed.db") + "?mode=rwc&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	return &DB{DB: db, dialect: SQLite}, nil
}

// OpenPostgres connects to a PostgreSQL server.
func OpenPostgres(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{DB: db, dialect: Postgres}, nil
}

// Open picks the driver by name.
func Open(driver, dataDir, databaseURL string) (*DB, error) {
	switch Dialect(driver) {
	case SQLite:
		return OpenSQLite(dataDir)
	case Postgres:
		return OpenPostgres(databaseURL)
	default:
		return nil, fmt.Errorf("unknown database driver: %s", driver)
	}
}

// Dialect returns the SQL flavour.
func (db *DB) Dialect() Dialect { return db.dialect }

// Rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func (db *DB) Rebind(query string) string {
	if db.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// UpdateConnectionMetrics publishes pool statistics.
func (db *DB) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(db.Stats().OpenConnections)
}

// Migrate applies embedded *.up.sql files not yet recorded in
// schema_migrations, in lexical order.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	dir := path.Join("migrations", string(db.dialect))
	names, err := fs.Glob(migrationsFS, path.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		version := strings.TrimSuffix(path.Base(name), ".up.sql")

		var exists int
		err := db.QueryRowContext(ctx,
			db.Rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		logging.Info("running migration", zap.String("version", version), zap.String("dialect", string(db.dialect)))
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", version, err)
		}
		for _, stmt := range splitStatements(string(content)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("exec migration %s: %w", version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			db.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`),
			version, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", version, err)
		}
	}
	return nil
}

// splitStatements splits a migration file on ';'. Migrations do not contain
// semicolons inside literals.
func splitStatements(content string) []string {
	var out []string
	for _, part := range strings.Split(content, ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
