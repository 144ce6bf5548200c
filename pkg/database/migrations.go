package database

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNoChange is returned by Down when there is nothing to roll back.
var ErrNoChange = migrate.ErrNoChange

// MigrationManager applies the embedded schema migrations
// TECHNICAL DISCOVERY: migrate opens its own connection from the URL; handing
// it the manager's *sql.DB would close that pool when the migrator closes
type MigrationManager struct {
	databasePath string
}

// NewMigrationManager creates a migration manager for the sqlite file at path.
func NewMigrationManager(databasePath string) *MigrationManager {
	return &MigrationManager{databasePath: databasePath}
}

func (m *MigrationManager) open() (*migrate.Migrate, error) {
	if dir := filepath.Dir(m.databasePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate source: %w", err)
	}
	mg, err := migrate.NewWithSourceInstance("iofs", src, "sqlite3://"+m.databasePath)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return mg, nil
}

// ApplyMigrations brings the schema to the latest version. Being already
// current is not an error.
func (m *MigrationManager) ApplyMigrations() error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer func() { _, _ = mg.Close() }()

	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Rollback reverts every migration.
func (m *MigrationManager) Rollback() error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer func() { _, _ = mg.Close() }()

	if err := mg.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return ErrNoChange
		}
		return fmt.Errorf("rollback migrations: %w", err)
	}
	return nil
}

// Version reports the applied schema version and whether it is dirty.
// A fresh database reports version 0.
func (m *MigrationManager) Version() (uint, bool, error) {
	mg, err := m.open()
	if err != nil {
		return 0, false, err
	}
	defer func() { _, _ = mg.Close() }()

	v, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}
