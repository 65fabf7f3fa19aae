package db

import (
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/derivkit/jobhub/errors"
	"github.com/derivkit/jobhub/sym"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// migration is one embedded schema file; version is its numeric prefix
type migration struct {
	version string
	file    string
}

// Migrate brings the schema up to date. Each pending file runs in its own
// transaction together with its schema_migrations row. A nil logger is silent.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	pending, err := listMigrations()
	if err != nil {
		return err
	}
	if len(pending) == 0 || pending[0].version != "000" {
		return errors.New("migration 000 must create schema_migrations")
	}

	// 000 is idempotent and must exist before anything can be looked up
	if err := apply(db, pending[0], true); err != nil {
		return err
	}

	done, err := appliedVersions(db)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range pending[1:] {
		if done[m.version] {
			logger.Debugw("Migration already applied", "migration", m.file)
			continue
		}
		logger.Infow("Applying migration", "migration", m.file, "version", m.version)
		if err := apply(db, m, false); err != nil {
			return err
		}
		applied++
	}

	logger.Infow(sym.DB+" Schema up to date", "migrations", len(pending), "applied", applied)
	return nil
}

func listMigrations() ([]migration, error) {
	files, err := fs.Glob(migrations, path.Join(migrationsDir, "*.sql"))
	if err != nil {
		return nil, errors.Wrap(err, "list migrations")
	}
	sort.Strings(files)

	out := make([]migration, 0, len(files))
	for _, f := range files {
		name := path.Base(f)
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, errors.Newf("migration %s has no version prefix", name)
		}
		out = append(out, migration{version: version, file: name})
	}
	return out, nil
}

func appliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read schema_migrations")
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		done[v] = true
	}
	return done, errors.Wrap(rows.Err(), "read schema_migrations")
}

// apply runs m and records it. With upsert the record is ignored when present.
func apply(db *sql.DB, m migration, upsert bool) (err error) {
	body, err := migrations.ReadFile(path.Join(migrationsDir, m.file))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.file)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin %s", m.file)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", m.file)
	}
	record := "INSERT INTO schema_migrations (version) VALUES (?)"
	if upsert {
		record = "INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)"
	}
	if _, err = tx.Exec(record, m.version); err != nil {
		return errors.Wrapf(err, "record %s", m.file)
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit %s", m.file)
	}
	return nil
}
