package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/arkade-os/ark-sdk/store/sql/migration"
	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"
	dbFileName = "sqlite.db"
)

var pragmas = []string{
	"foreign_keys=on",
	"journal_mode=WAL",
	"busy_timeout=5000",
	"synchronous=full",
}

// OpenDb opens, or creates, the sqlite db in the given datadir.
func OpenDb(datadir string) (*sql.DB, error) {
	if err := os.MkdirAll(datadir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create datadir: %w", err)
	}

	opts := make(url.Values)
	for _, pragma := range pragmas {
		opts.Add("_pragma", pragma)
	}
	dsn := fmt.Sprintf(
		"%s?%s&_txlock=immediate", filepath.Join(datadir, dbFileName), opts.Encode(),
	)

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		// nolint:all
		db.Close()
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return db, nil
}

// MigrateDb applies all the embedded migrations not applied yet.
func MigrateDb(db *sql.DB) error {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}
	source, err := iofs.New(migration.Migrations, ".")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driverName, driver)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	if dirty {
		return fmt.Errorf("db is dirty at version %d", version)
	}
	log.Debugf("applying sql migrations from version %d", version)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// execTx runs txBody in a db transaction, rolled back if it fails.
func execTx(ctx context.Context, db *sql.DB, txBody func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// nolint:all
	defer tx.Rollback()

	if err := txBody(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
