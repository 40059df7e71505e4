// Package migrations embeds the SQL schema history for the SQLite backend.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed *.sql
var files embed.FS

// FS returns the migration files as a flat filesystem.
func FS() fs.FS {
	return files
}
