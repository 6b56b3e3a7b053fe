package db

import (
	"context"
	"embed"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one schema step read from migrations/NNN_name.sql.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up\s*$`)
)

// ParseMigration parses the content of a single migration file. Everything
// after the "-- +migrate Up" marker is the statement body.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, errors.Newf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, errors.Newf("invalid version number in filename: %s", matches[1])
	}

	lines := strings.Split(string(content), "\n")
	start := -1
	for i, line := range lines {
		if upMarkerRegex.MatchString(strings.TrimSpace(line)) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil, errors.Newf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	body := strings.TrimSpace(strings.Join(lines[start:], "\n"))
	if body == "" {
		return nil, errors.Newf("migration file contains no SQL statements: %s", filename)
	}

	return &Migration{
		Version: version,
		Name:    matches[2],
		UpSQL:   body,
	}, nil
}

// LoadMigrations reads every .sql file in dir of fsys and returns them sorted
// by version. Duplicate versions are rejected.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations directory")
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", entry.Name())
		}

		m, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[m.Version]; ok {
			return nil, errors.Newf("duplicate migration version %d: %s and %s", m.Version, prev, entry.Name())
		}
		seen[m.Version] = entry.Name()
		migrations = append(migrations, *m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Migrate applies every embedded migration that has not been applied yet.
func (db *DB) Migrate(ctx context.Context) error {
	migrations, err := LoadMigrations(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	return db.ApplyMigrations(ctx, migrations)
}

// ApplyMigrations applies the pending subset of migrations, each in its own
// transaction together with its schema_migrations row.
func (db *DB) ApplyMigrations(ctx context.Context, migrations []Migration) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	current, err := db.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := db.WithTransaction(ctx, func(tx *Tx) error {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return errors.Wrap(err, "execute SQL")
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.Version)
			return errors.Wrap(err, "record migration")
		})
		if err != nil {
			return errors.Wrapf(err, "apply migration %03d_%s", m.Version, m.Name)
		}
	}
	return nil
}

// CurrentVersion returns the highest applied migration version, or 0.
func (db *DB) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, errors.Wrap(err, "read schema version")
	}
	return version, nil
}
