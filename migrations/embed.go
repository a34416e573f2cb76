// Package migrations embeds the goose SQL migrations and applies them at
// startup when PAPERBASE_APPLY_MIGRATIONS is set.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
