// Package migrations embeds the metadata store schema migrations.
package migrations

import "embed"

// FS holds the golang-migrate *.up.sql / *.down.sql files.
//
//go:embed *.sql
var FS embed.FS
