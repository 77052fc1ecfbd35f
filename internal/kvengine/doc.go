/*
Package kvengine provides the durable, ordered key-value substrate
every other ThemisDB component is built on.

# Architecture

	┌──────────────────── KV ENGINE ────────────────────────────┐
	│                                                             │
	│  ┌───────────────────────────────────────────┐            │
	│  │              Engine                         │            │
	│  │  - File: <dataDir>/themisdb.db             │            │
	│  │  - Backing store: bbolt (B+tree, MVCC)     │            │
	│  │  - One flat bucket, shared key namespace   │            │
	│  └──────────────────┬──────────────────────────┘            │
	│                     │                                       │
	│  ┌──────────────────▼──────────────────────────┐           │
	│  │   Batch          Snapshot         Iterator    │           │
	│  │  (atomic write) (read view)    (bounded scan) │           │
	│  └──────────────────┬──────────────────────────┘           │
	│                     │                                       │
	│  ┌──────────────────▼──────────────────────────┐           │
	│  │         LockTable (canonical key order)       │           │
	│  └──────────────────┬──────────────────────────┘           │
	│                     │                                       │
	│  ┌──────────────────▼──────────────────────────┐           │
	│  │     Compactor (background copy-compact)       │           │
	│  └────────────────────────────────────────────┘            │
	└─────────────────────────────────────────────────────────────┘

Every other component — entity store, secondary indices, full-text,
vector, spatial, graph — stores its data through this one namespace,
distinguished only by key prefix. None of them open bbolt
directly; they all go through Engine.NewBatch / Engine.NewSnapshot so
a single bbolt.Tx can carry an entity write and every derived index
write atomically, which is what makes the "every declared matching
index is updated inside the same transaction" invariant
possible without a two-phase commit.

# Concurrency

bbolt allows exactly one writer and any number of concurrent readers.
A Snapshot pins one reader transaction for the life of an MVCC
transaction; Batch.Commit uses one short writer transaction per
commit. Pessimistic locks (LockTable) are orthogonal to bbolt's own
transaction semantics. They exist so the transaction manager can
acquire pessimistic locks on all written keys in a canonical order
before it even opens the writer transaction, so lock contention never
blocks readers.
*/
package kvengine
