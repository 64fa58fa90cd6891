// Package migrations carries the engine's SQL schema as embedded files, so
// the binary can bring a fresh database up to date no matter where it runs.
package migrations

import "embed"

// FS holds every .sql file in this directory. The storage layer applies them
// in lexical order, which is why files are numbered.
//
//go:embed *.sql
var FS embed.FS
