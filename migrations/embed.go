// Package migrations holds the schema of the outbound tables for local
// development. In production the web app owns these tables.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
