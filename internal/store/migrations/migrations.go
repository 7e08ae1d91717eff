// Package migrations holds the schema for the cluster metadata store
// (spec.md §6's logical schema: nodes, events, voting_term, plus the
// node_status quorum service-discovery table), applied with
// github.com/rubenv/sql-migrate, the same library and per-file Migration
// registration idiom as the teacher's datastore/migrations package.
package migrations

import migrate "github.com/rubenv/sql-migrate"

// All accumulates every registered *migrate.Migration via each file's
// init(), in registration order. sql-migrate itself reorders by Id, so
// registration order here only needs to match filename order for
// readability.
var All []*migrate.Migration

// Source returns a migrate.MigrationSource built from All.
func Source() migrate.MigrationSource {
	return &migrate.MemoryMigrationSource{Migrations: All}
}
