// Package migrations holds the ledger schema. Migrations are additive only so
// events written by an older build stay resumable after an upgrade.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
