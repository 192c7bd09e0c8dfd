package sweep

// Package sweep is the recurring-occurrence and reminder engine.
//
// An external timer invokes Coordinator.Tick. Each tick queries the store
// for candidates, asks the recurrence policy whether a trigger fires, and
// hands eligible tasks to the spawn guard. The guard's conditional flip in
// storage is the only synchronization in the system: ticks may overlap or
// repeat and each lineage node still spawns its successor at most once.
//
// Event publication happens strictly after commit and is best-effort; a
// dead bus cannot stall a tick or undo a spawn.
