// Package migrations embeds the control database schema into the binary.
package migrations

import (
	"embed"

	"github.com/aquafeed/aquafeed-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
