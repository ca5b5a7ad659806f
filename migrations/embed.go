// Package migrations embeds the PostgreSQL schema for keisan so the server and
// integration tests can apply it regardless of working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
