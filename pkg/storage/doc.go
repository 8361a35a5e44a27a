// Package storage holds the persistence plumbing shared by the plan catalog,
// the subscription store and the webhook diagnostics.
//
// # Backends
//
// Three drivers are supported, selected with Config.Driver:
//
//   - postgres: primary plus optional read replicas (see storage/postgres)
//   - sqlite: a single file, for single-node deployments and tests
//   - memory: in-process stores with no SQL at all
//
// SQL stores receive a *DB, which pairs the primary handle with a reader
// function. Reads that tolerate replication lag (sweeps, listings) go
// through Reader(); read-modify-write paths always use Primary.
//
// # Portability
//
// Statements are written once for both dialects. Placeholders use the $n
// form in increasing order of first appearance, which both lib/pq and
// go-sqlite3 bind positionally. Timestamps are always passed as parameters
// in UTC rather than computed by the database. The few dialect differences
// (GREATEST versus MAX, DDL) go through Dialect.
//
// # Migrations
//
// Migrate applies the ordered Migrations list inside one transaction per
// version and records each in schema_migrations.
package storage
