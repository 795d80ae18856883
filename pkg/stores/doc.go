// Package stores provides persistence layer implementations for TaskWarden.
// It includes SQLite-based storage with WAL mode, connection pooling,
// conditional compare-and-set task transitions, and CRUD operations for
// tasks, dependencies, review packets, workers, and the append-only ledger.
package stores
