// Package db implements the Run Store on top of database/sql.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sql.DB with additional context
type DB struct {
	*sql.DB
	driver string
}

// Tx wraps sql.Tx with additional context
type Tx struct {
	*sql.Tx
	db *DB
}

// Config holds database connection configuration
type Config struct {
	Driver          string        `toml:"driver" yaml:"driver"`
	DSN             string        `toml:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	BusyTimeout     time.Duration `toml:"busy_timeout" yaml:"busy_timeout"`
	SkipMigrations  bool          `toml:"skip_migrations" yaml:"skip_migrations"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite3",
		DSN:             "ghastats.db",
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: 0,
		BusyTimeout:     5 * time.Second,
	}
}

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("db: not found")

// Open creates a new database connection
func Open(driver, dsn string) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", driver)
	}

	// An in-memory SQLite database lives and dies with its connection
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	if driver == "sqlite3" {
		pragmas := []string{"PRAGMA foreign_keys = ON"}
		if !strings.Contains(dsn, ":memory:") {
			pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, errors.Wrapf(err, "apply %q", pragma)
			}
		}
	}

	return &DB{
		DB:     db,
		driver: driver,
	}, nil
}

// OpenWithConfig creates a connection with custom configuration and, unless
// disabled, brings the schema up to date.
func OpenWithConfig(ctx context.Context, config Config) (*DB, error) {
	db, err := Open(config.Driver, config.DSN)
	if err != nil {
		return nil, err
	}

	// Apply connection pool settings
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.BusyTimeout > 0 && db.driver == "sqlite3" {
		pragma := fmt.Sprintf("PRAGMA busy_timeout = %d", config.BusyTimeout.Milliseconds())
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "set busy timeout")
		}
	}

	if !config.SkipMigrations {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

// Wrap adopts an existing connection pool, typically a sqlmock in tests.
func Wrap(conn *sql.DB, driver string) *DB {
	return &DB{DB: conn, driver: driver}
}

// Driver returns the database driver name
func (db *DB) Driver() string {
	return db.driver
}

// Begin starts a new transaction
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &Tx{
		Tx: tx,
		db: db,
	}, nil
}

// WithTransaction executes a function within a transaction
// Automatically commits on success, rolls back on error
func (db *DB) WithTransaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// Stored timestamps use a fixed-width UTC layout so that text comparison in
// SQL agrees with chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
