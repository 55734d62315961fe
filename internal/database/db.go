package database

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrations embed.FS

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB wraps sqlx.DB with additional functionality
type DB struct {
	*sqlx.DB
	driver string
}

// ResolveDriver picks the driver and DSN for a database URL.
// postgres:// and postgresql:// go to lib/pq, everything else is a SQLite
// path, optionally prefixed with sqlite://.
func ResolveDriver(url string) (string, string, error) {
	trimmed := strings.TrimSpace(url)
	switch {
	case trimmed == "":
		return "", "", fmt.Errorf("database url is empty")
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return DriverPostgres, trimmed, nil
	case strings.HasPrefix(trimmed, "sqlite://"):
		path := strings.TrimPrefix(trimmed, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("sqlite url has no path")
		}
		return DriverSQLite, path, nil
	case strings.Contains(trimmed, "://"):
		return "", "", fmt.Errorf("unsupported database url scheme: %s", trimmed)
	default:
		return DriverSQLite, trimmed, nil
	}
}

// Connect opens the database at url and applies the schema
func Connect(ctx context.Context, url string) (*DB, error) {
	driver, dsn, err := ResolveDriver(url)
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	if driver == DriverSQLite {
		// one writer; also keeps :memory: on a single connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	wrapped := &DB{DB: db, driver: driver}
	if err := wrapped.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return wrapped, nil
}

// Driver returns the driver name in use
func (db *DB) Driver() string {
	return db.driver
}

// RunMigrations executes the embedded schema migrations in name order
func (db *DB) RunMigrations(ctx context.Context) error {
	names, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].Name() < names[j].Name() })

	for _, entry := range names {
		content, err := migrations.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to load migration file %s: %w", entry.Name(), err)
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// Ping verifies the database connection
func (db *DB) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}
