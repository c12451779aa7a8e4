package storage

import (
	"context"

	"github.com/pkg/errors"
)

// Open builds the store named by driver. dsn is the Postgres connection
// string or the SQLite path; it is ignored for the memory driver.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	switch driver {
	case "postgres":
		return OpenPostgres(ctx, dsn, opts...)
	case "sqlite":
		return OpenSQLite(ctx, dsn, opts...)
	case "memory":
		return NewMemory(opts...), nil
	}
	return nil, errors.Errorf("unknown store driver %q", driver)
}
