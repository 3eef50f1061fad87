package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDirtySchema is returned when a previous migration stopped half way.
// The database has to be repaired by hand (or deleted) before mapping can
// record into it again.
var ErrDirtySchema = errors.New("mapping database schema is dirty")

// MigrateUp brings the session schema to the latest version. A database
// already at the latest version is left alone.
func (db *DB) MigrateUp() error {
	m, err := db.migrator()
	if err != nil {
		return err
	}
	// m is never closed: that would close the shared *sql.DB.
	from, dirty, err := currentVersion(m)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("%s at version %d: %w", db.path, from, ErrDirtySchema)
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrating %s from version %d: %w", db.path, from, err)
	}
	to, _, err := currentVersion(m)
	if err != nil {
		return err
	}
	logs.Opsf("migrated %s from schema %d to %d", db.path, from, to)
	return nil
}

// MigrateDown rolls back the most recent migration.
func (db *DB) MigrateDown() error {
	m, err := db.migrator()
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back %s: %w", db.path, err)
	}
	return nil
}

// MigrateVersion reports the schema version, zero for an empty database.
func (db *DB) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := db.migrator()
	if err != nil {
		return 0, false, err
	}
	return currentVersion(m)
}

func currentVersion(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return v, dirty, nil
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("opening embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	m.Log = migrationLog{}
	return m, nil
}

// migrationLog sends golang-migrate output to the diag stream.
type migrationLog struct{}

func (migrationLog) Printf(format string, v ...interface{}) { logs.Diagf("[migrate] "+format, v...) }
func (migrationLog) Verbose() bool                          { return false }
