package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// step is one schema script. Its version is the numeric prefix of the
// file name, so 002_knowledge.sql is version 2.
type step struct {
	version int
	name    string
	script  string
}

// Migrate brings the schema up to the newest embedded version and returns
// the names of the scripts it applied, oldest first. A database already at
// the newest version returns none. A database newer than this binary is
// refused rather than run against an unknown schema.
func (db *DB) Migrate(ctx context.Context) ([]string, error) {
	return db.migrate(ctx, schemaFS)
}

func (db *DB) migrate(ctx context.Context, fsys fs.FS) ([]string, error) {
	steps, err := loadSteps(fsys)
	if err != nil {
		return nil, err
	}

	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_versions: %w", err)
	}

	current, err := db.schemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	if latest := latestVersion(steps); current > latest {
		return nil, fmt.Errorf("database schema version %d is newer than supported version %d", current, latest)
	}

	var applied []string
	for _, s := range steps {
		if s.version <= current {
			continue
		}
		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, s.script); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_versions (version, name, applied_at) VALUES (?, ?, ?)",
				s.version, s.name, time.Now().UnixMilli())
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("apply %s: %w", s.name, err)
		}
		applied = append(applied, s.name)
	}

	if len(applied) > 0 {
		db.logger.Info("schema migrated",
			zap.Int("from_version", current),
			zap.Int("to_version", latestVersion(steps)),
			zap.Strings("applied", applied),
		)
	}
	return applied, nil
}

func (db *DB) schemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// loadSteps reads migrations/*.sql from fsys, ordered by version. Names
// without a numeric prefix and duplicate versions are errors.
func loadSteps(fsys fs.FS) ([]step, error) {
	paths, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}

	steps := make([]step, 0, len(paths))
	seen := make(map[int]string, len(paths))
	for _, p := range paths {
		name := path.Base(p)
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: name must be <version>_<description>.sql", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: invalid version %q", name, prefix)
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, name, version)
		}
		seen[version] = name

		script, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		steps = append(steps, step{version: version, name: name, script: string(script)})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

func latestVersion(steps []step) int {
	if len(steps) == 0 {
		return 0
	}
	return steps[len(steps)-1].version
}
