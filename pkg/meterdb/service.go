// MeterDB contains data specifically about smart meter readings.
// Due to cross-service communication on SQLite,
// any user data or anything else should use a seperate database.
// This database should only be written to by meter_collector
// but can be read by any service.
package meterdb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/NotCoffee418/dbmigrator"
	"github.com/NotCoffee418/p1reader/pkg/pathing"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Readers in other processes may hold the database briefly.
const dsnPragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

var ErrNotMigrated = errors.New("meterdb: schema missing after migration")

type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates the database at path if needed and applies migrations.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if err := pathing.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// Create DB before migrations
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	// Apply migrations
	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(
		db,
		migrationFS,
		"migrations",
	)

	s := &Store{db: db, logger: logger}
	if err := s.checkSchema(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug().Str("path", path).Msg("Meter database ready")
	return s, nil
}

// checkSchema catches migrations that failed without an error reaching us.
func (s *Store) checkSchema() error {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE name IN ('live_power_readings', 'uq_live_power_readings')",
	).Scan(&n)
	if err != nil {
		return err
	}
	if n != 2 {
		return ErrNotMigrated
	}
	return nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, rolling back when it fails.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
