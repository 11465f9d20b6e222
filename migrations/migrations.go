// Package migrations embeds the goose SQL migrations so every consumer
// (server startup, cmd/migrate, test harness) applies the same schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
