// ============================================================================
// MachaonWeb Persistent State Gateway — connection & migrations
// ============================================================================
//
// Package: internal/store
// Purpose: Open the pooled SQL connection and apply the §6 schema as
// versioned migrations at startup.
//
// Grounded on ClusterCockpit-cc-backend/internal/repository/dbConnection.go
// (pooled sqlx.DB, driver-specific pool tuning) and migration.go
// (golang-migrate with an embedded iofs migration source).
//
// ============================================================================

package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/mysql/*.sql migrations/sqlite3/*.sql
var migrationFiles embed.FS

// Driver identifies which database/sql driver backs a DSN.
type Driver string

const (
	DriverMySQL  Driver = "mysql"
	DriverSQLite Driver = "sqlite3"
)

// Connect opens a pooled connection for driver against dsn and applies
// pending migrations. dsn is DATABASE_URL (spec §6), already stripped of the
// driver prefix.
func Connect(driver Driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	switch driver {
	case DriverMySQL:
		db.SetConnMaxLifetime(3 * time.Minute)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
	case DriverSQLite:
		// sqlite does not multithread; more than one connection just
		// means waiting on the same file lock.
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrateSchema(driver, db.DB); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return db, nil
}

// migrationDir names the embedded subdirectory holding driver-specific DDL:
// MySQL's AUTO_INCREMENT and SQLite's AUTOINCREMENT primary keys aren't
// expressible in one portable schema file, so each driver gets its own copy
// of the spec §6 schema.
func migrationDir(driver Driver) string {
	return "migrations/" + string(driver)
}

func migrateSchema(driver Driver, db *sql.DB) error {
	source, err := iofs.New(migrationFiles, migrationDir(driver))
	if err != nil {
		return fmt.Errorf("open embedded migration source: %w", err)
	}

	var dbDriver database.Driver
	switch driver {
	case DriverMySQL:
		dbDriver, err = mysql.WithInstance(db, &mysql.Config{})
	case DriverSQLite:
		dbDriver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	default:
		return fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return fmt.Errorf("build migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, string(driver), dbDriver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
