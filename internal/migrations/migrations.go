// Package migrations embeds the goose SQL migrations for the two tables
// this controller owns in the shared workflow database.
package migrations

import "embed"

//go:embed sql/*.sql
var FS embed.FS

// Dir is the path inside FS that goose should read
const Dir = "sql"
