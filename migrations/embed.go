// Package migrations embeds the catalog schema migrations so the migrator
// ships as a single binary with zero deployment configuration.
package migrations

import "embed"

// FS holds every up/down migration pair.
//
//go:embed *.sql
var FS embed.FS
