// Package migrations embeds the run-history schema.
package migrations

import "embed"

// FS holds the SQL migration files, at its root.
//
//go:embed *.sql
var FS embed.FS
