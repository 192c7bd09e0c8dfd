package storage

// Package storage is the persistence layer for task rows and the audit log.
//
// The single correctness-critical operation lives here: the conditional
// has_spawned_next flip. It is a plain UPDATE with an affected-row check,
// which is the whole concurrency story of the engine: two sweeps racing on
// one task produce exactly one flip, and the loser sees rows=0.
//
// Drivers:
//   - sqlite: the durable backend (WAL, single writer)
//   - memory: same semantics in-process, for tests and throwaway runs
