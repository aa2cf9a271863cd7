package migrations

import "embed"

// FS contains embedded SQLite migrations for collaboration room storage.
//
//go:embed *.sql
var FS embed.FS
