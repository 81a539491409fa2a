/*
Package storage provides BoltDB-backed persistence for Hearthd state.

The storage package implements the Store interface using bbolt, providing
ACID transactions for entities (agents, tasks, jobs, approvals, incidents,
safe-edit backups, the policy snapshot) and two append-only streams (events,
audit). All data is serialized as JSON and stored in separate buckets.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                           │
	│  BoltStore                                                │
	│    File: <DATA_ROOT>/hearthd.db                           │
	│    Transactions: ACID with fsync                          │
	│                                                           │
	│  Entity buckets (keyed by id, optimistic concurrency)     │
	│    agents, tasks, jobs, approvals, incidents,             │
	│    edit_backups, policy                                   │
	│                                                           │
	│  Stream buckets (keyed by big-endian sequence)            │
	│    events, audit                                          │
	│                                                           │
	│  idempotency (client keys with TTL)                       │
	└───────────────────────────────────────────────────────────┘

# Concurrency Model

Every mutable entity carries a Version counter. Updates pass the version the
caller read; a mismatch fails with ErrConflict and the caller must re-read
and retry. Streams use the bucket sequence for gap-free, total-ordered
append; writers serialize on the single bbolt write transaction, readers use
read transactions and never block writers.

# Export / Restore

Export writes a line-delimited JSON stream: a header with per-bucket
sequence counters, then every key/value pair. Restore replaces the store
contents wholesale and reinstates the sequences, so stream ordering
guarantees survive a backup round-trip.
*/
package storage
