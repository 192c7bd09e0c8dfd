package sweep

import (
	"context"
	"fmt"
	"time"

	"recurd/internal/storage"
	"recurd/internal/task"
	logx "recurd/pkg/logx"
)

// Outcome is the result of one guarded spawn attempt.
type Outcome int

const (
	// OutcomeSpawned: this invocation created the successor.
	OutcomeSpawned Outcome = iota
	// OutcomeRaceLost: a concurrent invocation already flipped the flag.
	// Expected under overlapping ticks; not an error.
	OutcomeRaceLost
	// OutcomeLimitReached: the chain is at max_occurrences. Terminal for a
	// bounded chain; the flag stays false so a later limit raise can still
	// spawn.
	OutcomeLimitReached
	// OutcomeNotEligible: the trigger predicate did not fire.
	OutcomeNotEligible
)

// Guard performs the atomic spawn transition for one eligible task.
//
// Both trigger paths (the sweep's time-driven one and the CRUD layer's
// completion-driven one) funnel through here, so the conditional flip
// guards them against each other too.
type Guard struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func NewGuard(st storage.Store, log logx.Logger) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Guard{store: st, log: log, now: time.Now}
}

// Spawn runs the guarded transition: lineage validation, chain bound check,
// successor construction, then the all-or-nothing store commit. firedBy
// names the trigger path for the audit trail.
//
// The successor is returned only for OutcomeSpawned.
func (g *Guard) Spawn(ctx context.Context, t task.Task, firedBy task.TriggerMode) (Outcome, task.Task, error) {
	root := t.Root()
	if err := g.validateLineage(ctx, t, root); err != nil {
		return 0, task.Task{}, err
	}

	if t.MaxOccurrences > 0 {
		count, err := g.store.CountChain(ctx, root)
		if err != nil {
			return 0, task.Task{}, fmt.Errorf("count chain %s: %w", root, err)
		}
		if count >= t.MaxOccurrences {
			// Leave has_spawned_next untouched: raising the limit later
			// must still be able to trigger a spawn.
			return OutcomeLimitReached, task.Task{}, nil
		}
	}

	now := g.now()
	from := now
	if t.DueDate != nil {
		from = *t.DueDate
	}
	nextDue := task.NextDueDate(t.Pattern, from)
	if !task.KnownPattern(t.Pattern) {
		g.log.Warn("unknown recurrence pattern, using daily",
			logx.String("task", t.ID), logx.String("pattern", string(t.Pattern)))
	}

	succ := task.Task{
		ID:          task.NewID(),
		Title:       t.Title,
		Description: t.Description,
		ProjectID:   t.ProjectID,
		AssigneeID:  t.AssigneeID,
		CreatedByID: t.CreatedByID,
		Priority:    t.Priority,
		Tags:        t.CloneTags(),
		Status:      task.StatusPending,
		DueDate:     &nextDue,

		IsRecurring:    true,
		Pattern:        t.Pattern,
		TriggerMode:    t.TriggerMode,
		MaxOccurrences: t.MaxOccurrences,
		RootID:         root,
		CloneSubtasks:  t.CloneSubtasks,
		HasSpawnedNext: false,
	}

	var clones []task.Task
	if t.CloneSubtasks {
		var err error
		clones, err = cloneSubtree(ctx, g.store, t.ID, succ.ID)
		if err != nil {
			return 0, task.Task{}, fmt.Errorf("clone subtasks of %s: %w", t.ID, err)
		}
	}

	ok, err := g.store.Spawn(ctx, storage.SpawnOp{
		PredecessorID: t.ID,
		Successor:     succ,
		Clones:        clones,
		Audit: storage.AuditEntry{
			At:       now,
			Actor:    task.SystemActor,
			Action:   "spawned",
			TaskID:   t.ID,
			ToTaskID: succ.ID,
			FiredBy:  string(firedBy),
		},
	})
	if err != nil {
		return 0, task.Task{}, fmt.Errorf("spawn transition %s: %w", t.ID, err)
	}
	if !ok {
		return OutcomeRaceLost, task.Task{}, nil
	}

	g.log.Info("occurrence spawned",
		logx.String("task", t.ID), logx.String("successor", succ.ID),
		logx.String("root", root), logx.Time("due", nextDue),
		logx.Int("clones", len(clones)), logx.String("fired_by", string(firedBy)))
	return OutcomeSpawned, succ, nil
}

// validateLineage enforces flatness: root_id resolves in one hop to a task
// that is itself a lineage root. Anything else is data corruption and fatal
// for this candidate only.
func (g *Guard) validateLineage(ctx context.Context, t task.Task, root string) error {
	if t.RootID == "" {
		return nil
	}
	if t.RootID == t.ID {
		return fmt.Errorf("task %s: root_id points to itself", t.ID)
	}
	rt, found, err := g.store.GetTask(ctx, root)
	if err != nil {
		return fmt.Errorf("load root %s: %w", root, err)
	}
	if !found {
		return fmt.Errorf("task %s: root %s does not exist", t.ID, root)
	}
	if rt.RootID != "" {
		return fmt.Errorf("task %s: root %s is not a lineage root (root_id=%s)", t.ID, root, rt.RootID)
	}
	return nil
}
