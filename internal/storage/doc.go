// Package storage persists trace entries.
//
// Drivers:
//   - "file": JSON Lines, one entry per line
//   - "sqlite": local SQLite database (modernc, no cgo)
//   - "postgres": PostgreSQL through a pgx pool
//   - "bolt": bbolt key/value file keyed by entry id
//   - "redis": Redis stream (XADD), trimmed approximately
//   - "kafka": Kafka topic, entry id as message key
//
// Driver "none" (or empty) disables storage.
package storage
