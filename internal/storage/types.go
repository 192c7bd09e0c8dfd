package storage

import (
	"errors"
	"time"

	"recurd/internal/task"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store (tests, throwaway runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an engine-initiated state change.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	Actor    string // "system" for time-driven transitions
	Action   string // "spawned", "reminder"
	TaskID   string
	ToTaskID string // successor id for spawns
	FiredBy  string // which trigger path fired ("on_due_date", "on_complete")
	MetaJSON string
}

// SpawnOp is the atomic spawn transition: flip the predecessor's
// has_spawned_next, insert the successor (and any subtask clones), and
// append the audit entry. All of it commits or none of it does.
type SpawnOp struct {
	PredecessorID string
	Successor     task.Task
	Clones        []task.Task
	Audit         AuditEntry
}
