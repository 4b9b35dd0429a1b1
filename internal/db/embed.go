package db

import "embed"

// migrationFS embeds the goose SQL migrations into the compiled binary.
//
//go:embed migrations/*.sql
var migrationFS embed.FS
