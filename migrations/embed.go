// Package migrations embeds the goose migrations of the local run ledger.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
