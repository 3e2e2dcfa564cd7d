package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// newMigrationProvider builds a goose provider over the embedded
// migrations for the given dialect.
func newMigrationProvider(db *sql.DB, d dialect) (*goose.Provider, error) {
	// Strip the "migrations/" prefix so goose sees files at the root of the FS.
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(d.goose, db, subFS)
	if err != nil {
		return nil, fmt.Errorf("store: creating migration provider: %w", err)
	}

	return provider, nil
}

// runMigrations applies all pending schema migrations.
func runMigrations(ctx context.Context, db *sql.DB, d dialect, logger *slog.Logger) error {
	provider, err := newMigrationProvider(db, d)
	if err != nil {
		return err
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// SchemaVersion returns the version of the most recently applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	provider, err := newMigrationProvider(s.db, s.dialect)
	if err != nil {
		return 0, err
	}

	v, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: reading schema version: %w", err)
	}

	return v, nil
}
