// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
// Each storage backend has its own dialect directory.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sqlite/*.sql postgres/*.sql
var root embed.FS

// SQLite returns the migration filesystem for the SQLite backend.
func SQLite() fs.FS {
	sub, err := fs.Sub(root, "sqlite")
	if err != nil {
		panic(err)
	}
	return sub
}

// Postgres returns the migration filesystem for the PostgreSQL backend.
func Postgres() fs.FS {
	sub, err := fs.Sub(root, "postgres")
	if err != nil {
		panic(err)
	}
	return sub
}
