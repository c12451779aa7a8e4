package storage

import (
	"context"
	"database/sql"
	"io/fs"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"github.com/SirClappington/itemq/migrations"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Migrate applies the embedded migrations for dialect to db.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	var gd goose.Dialect
	switch dialect {
	case DialectPostgres:
		gd = goose.DialectPostgres
	case DialectSQLite:
		gd = goose.DialectSQLite3
	default:
		return errors.Errorf("unsupported dialect %q", dialect)
	}

	fsys, err := fs.Sub(migrations.FS, string(dialect))
	if err != nil {
		return errors.Wrap(err, "migrations fs")
	}
	p, err := goose.NewProvider(gd, db, fsys)
	if err != nil {
		return errors.Wrap(err, "migration provider")
	}
	if _, err := p.Up(ctx); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	return nil
}
