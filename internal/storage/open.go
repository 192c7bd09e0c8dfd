package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"recurd/internal/task"
	logx "recurd/pkg/logx"
)

// Store is the task persistence API consumed by the sweep.
//
// Query methods return value copies; mutating a returned Task never touches
// stored state.
type Store interface {
	// QueryDueTasks returns recurring tasks whose time-driven trigger may
	// fire at now. The sweep re-checks eligibility in code; this is a
	// pre-filter, not the authority.
	QueryDueTasks(ctx context.Context, now time.Time) ([]task.Task, error)

	// QueryReminderCandidates returns tasks due within (now, now+window]
	// that are open, assigned, and not yet reminded.
	QueryReminderCandidates(ctx context.Context, now time.Time, window time.Duration) ([]task.Task, error)

	GetTask(ctx context.Context, id string) (task.Task, bool, error)
	InsertTask(ctx context.Context, t task.Task) error

	// CountChain counts the lineage: rows where root_id = rootID or id = rootID.
	CountChain(ctx context.Context, rootID string) (int, error)

	// ListSubtasks returns the direct children of parentID.
	ListSubtasks(ctx context.Context, parentID string) ([]task.Task, error)

	// ConditionalFlipSpawned sets has_spawned_next true iff it is still
	// false. Returns false (no error) when another invocation won the race.
	ConditionalFlipSpawned(ctx context.Context, id string) (bool, error)

	// Spawn performs the full guarded transition in one transaction,
	// gated on the conditional flip. Returns false when the race was lost;
	// in that case nothing was written.
	Spawn(ctx context.Context, op SpawnOp) (bool, error)

	// MarkReminderSent sets reminder_sent true iff it is still false, so a
	// reminder is claimed at most once even under concurrent sweeps.
	MarkReminderSent(ctx context.Context, id string) (bool, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
