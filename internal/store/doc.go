// Package store provides relational persistence for the stepped engine.
//
// Tables:
//   - actions: one row per admitted action attempt
//   - steps: ordered phases of an action, with pending/unsuccessful counters
//   - actions_steps: child action <-> awaiting parent step (insert-if-absent)
//   - performances: one row per live concurrency key
//   - achievements: checksum_key -> last accomplished checksum
//   - jobs: the transactional outbox drained by internal/worker
//
// # Units of Work
//
// InTx carries a transaction in the context. Repository methods use it when
// present, so callers compose freely:
//
//	err := s.InTx(ctx, func(ctx context.Context) error {
//	    perf, err := s.FindPerformanceByConcurrencyKey(ctx, key) // locked
//	    ...
//	    return s.AfterCommit(ctx, func(ctx context.Context) error {
//	        return runNextStep(ctx) // only after the outermost commit
//	    })
//	})
//
// Nested InTx calls are SAVEPOINTs. Hooks registered inside a savepoint that
// rolls back are dropped with it.
//
// # Drivers
//
//   - sqlite3 (mattn/go-sqlite3): WAL, busy_timeout=5000, foreign_keys=ON,
//     single connection, BEGIN IMMEDIATE
//   - postgres (lib/pq): row locks via SELECT ... FOR UPDATE, job claims via
//     FOR UPDATE SKIP LOCKED
//
// Queries are written once with ? placeholders and rebound for PostgreSQL.
package store
