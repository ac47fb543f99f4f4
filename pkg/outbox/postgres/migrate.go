package postgres

import (
	"context"
	"embed"
	"io/fs"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

// DefaultTable is the table created by the embedded migrations.
const DefaultTable = "public.outbox_records"

// IsMigratedTable reports whether table names the table Migrate creates. An
// unqualified name resolves through search_path and is taken as public.
func IsMigratedTable(table pgx.Identifier) bool {
	switch table.Sanitize() {
	case `"public"."outbox_records"`, `"outbox_records"`:
		return true
	}
	return false
}

//go:embed migrations/*.sql
var embedMigrations embed.FS

func newProvider(pool *pgxpool.Pool) (*goose.Provider, func() error, error) {
	fsys, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return nil, nil, errors.Wrap(err, "open embedded migrations")
	}
	db := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		_ = db.Close()
		return nil, nil, errors.Wrap(err, "create migration provider")
	}
	return provider, db.Close, nil
}

// Migrate applies all pending embedded migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *logrus.Entry) error {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	provider, closeDB, err := newProvider(pool)
	if err != nil {
		return err
	}
	defer func() { _ = closeDB() }()

	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "apply outbox migrations")
	}
	for _, r := range results {
		logger.WithFields(logrus.Fields{
			"migration": r.Source.Path,
			"duration":  r.Duration.String(),
		}).Info("outbox: migration applied")
	}
	return nil
}

// MigrationVersion reports the current schema version.
func MigrationVersion(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	provider, closeDB, err := newProvider(pool)
	if err != nil {
		return 0, err
	}
	defer func() { _ = closeDB() }()

	v, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "read outbox schema version")
	}
	return v, nil
}
