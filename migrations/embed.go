// Package migrations embeds the schema for every supported SQL backend.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"strings"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// FS returns the migration files for driver ("postgres" or "sqlite").
func FS(driver string) (fs.FS, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return fs.Sub(files, "postgres")
	case "sqlite", "sqlite3":
		return fs.Sub(files, "sqlite")
	}
	return nil, fmt.Errorf("migrations: unsupported driver %q", driver)
}
