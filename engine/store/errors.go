package store

import "errors"

// ErrOptimisticConcurrency names a compare-and-set write that lost a race
// against a concurrent mutation. Neither MemoryStore nor PostgresStore
// returns it; their guarded writes report ErrGenerationMismatch.
var ErrOptimisticConcurrency = errors.New("optimistic concurrency control failure")

// ErrNotFound is returned by reads that find no matching row.
var ErrNotFound = errors.New("not found")

// ErrActiveRoundExists is returned by CreateRound when ESS already points at
// an active round.
var ErrActiveRoundExists = errors.New("active round already exists")

// ErrGenerationMismatch is returned when a mutation's expectedGeneration no
// longer matches ESS.Generation.
var ErrGenerationMismatch = errors.New("generation mismatch")
