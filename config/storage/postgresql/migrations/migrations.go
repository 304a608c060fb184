package migrations

import "embed"

// MigrationsFS embeds the audit schema migrations
//
//go:embed *.sql
var MigrationsFS embed.FS
