// Package storage persists delivery revisions and escalation state so reports
// survive restarts.
//
// Drivers:
//   - file: JSON Lines journals plus snapshots, no dependencies
//   - sqlite: SQLite database file (build tag "sqlite")
package storage
