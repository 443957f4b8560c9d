// Package migrations embeds the schema for every supported SQL engine.
package migrations

import "embed"

// FS holds one directory of *.up.sql files per dialect name.
//
//go:embed postgres/*.sql mysql/*.sql sqlite/*.sql
var FS embed.FS
