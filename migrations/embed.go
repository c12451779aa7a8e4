// Package migrations embeds the SQL migration files for each supported store
// so the binaries carry their own schema management.
package migrations

import "embed"

//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
