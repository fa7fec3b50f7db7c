package appfs

import "embed"

// FS embeds the goose migrations:
//
//	migrations/registry - control-plane tenant registry schema
//	migrations/tenant   - baseline schema applied to every tenant database
//
//go:embed migrations
var FS embed.FS
