package sweep

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"recurd/internal/notify"
	"recurd/internal/storage"
	"recurd/internal/task"
	logx "recurd/pkg/logx"
)

// Coordinator runs one sweep per external trigger.
//
// It holds no cross-tick state and takes no locks: overlapping ticks are
// expected and resolved per-row by the guard's conditional flip. Every tick
// ends idle regardless of what individual candidates did.
type Coordinator struct {
	cfg   Config
	store storage.Store
	guard *Guard
	pub   *notify.Publisher
	log   logx.Logger
	now   func() time.Time
}

func NewCoordinator(cfg Config, st storage.Store, pub *notify.Publisher, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:   cfg,
		store: st,
		guard: NewGuard(st, log),
		pub:   pub,
		log:   log,
		now:   time.Now,
	}
}

// Tick evaluates all current candidates once. Candidates fail
// independently; the only thing that stops a tick early is its own
// deadline or a store outage on the candidate fetch itself.
func (c *Coordinator) Tick(ctx context.Context) TickReport {
	started := c.now()
	tctx, cancel := context.WithTimeout(ctx, c.cfg.TickTimeout)
	defer cancel()

	var rep TickReport
	now := started

	cands, err := c.store.QueryDueTasks(tctx, now)
	if err != nil {
		// Transient infra failure: nothing was partially committed, the
		// next trigger retries from scratch.
		rep.Errors++
		c.log.Error("candidate query failed", logx.Err(err))
		rep.Took = c.now().Sub(started)
		return rep
	}
	rep.Candidates = len(cands)

	for _, cand := range cands {
		if tctx.Err() != nil {
			rep.Truncated = true
			break
		}
		c.evalCandidate(tctx, cand, now, &rep)
	}

	if !rep.Truncated {
		if err := c.reminderPass(tctx, now, &rep); err != nil {
			rep.Errors++
			c.log.Error("reminder pass failed", logx.Err(err))
		}
	}

	rep.Took = c.now().Sub(started)
	c.log.Info("sweep tick done",
		logx.Int("candidates", rep.Candidates), logx.Int("spawned", rep.Spawned),
		logx.Int("reminded", rep.Reminded), logx.Int("races_lost", rep.RacesLost),
		logx.Int("limit_hits", rep.LimitHits), logx.Int("skipped", rep.Skipped),
		logx.Int("errors", rep.Errors), logx.Bool("truncated", rep.Truncated),
		logx.Duration("took", rep.Took))
	return rep
}

// evalCandidate processes one candidate under its soft timeout, isolating
// panics so a bad row cannot take down the tick.
func (c *Coordinator) evalCandidate(ctx context.Context, cand task.Task, now time.Time, rep *TickReport) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CandidateTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			rep.Errors++
			c.log.Error("candidate panicked",
				logx.String("task", cand.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	// Re-evaluate fresh: the pre-filter query is advisory, the policy is
	// the authority.
	if !task.DueTriggerEligible(cand, now) {
		rep.Skipped++
		return
	}

	outcome, succ, err := c.guard.Spawn(cctx, cand, task.TriggerOnDueDate)
	if err != nil {
		rep.Errors++
		c.log.Error("spawn failed",
			logx.String("task", cand.ID), logx.String("root", cand.Root()), logx.Err(err))
		return
	}

	switch outcome {
	case OutcomeSpawned:
		rep.Spawned++
		// Publish strictly after commit; the outcome is already durable.
		c.pub.Publish(cctx, task.TopicSpawned, task.EventPayload{
			TaskID:    succ.ID,
			TaskTitle: succ.Title,
			ProjectID: succ.ProjectID,
			UserID:    succ.AssigneeID,
			ActorID:   task.SystemActor,
			Metadata: map[string]any{
				"spawned_from": cand.ID,
				"pattern":      string(succ.Pattern),
			},
		})
	case OutcomeRaceLost:
		rep.RacesLost++
		c.log.Debug("spawn race lost", logx.String("task", cand.ID))
	case OutcomeLimitReached:
		rep.LimitHits++
		c.log.Info("occurrence limit reached",
			logx.String("task", cand.ID), logx.String("root", cand.Root()),
			logx.Int("max_occurrences", cand.MaxOccurrences))
	default:
		rep.Errors++
		c.log.Error("unexpected spawn outcome", logx.Err(fmt.Errorf("outcome %d", outcome)))
	}
}

// HandleCompletion is the event-driven trigger path, called by the CRUD
// layer's completion endpoint. It shares the guard (and therefore the
// conditional flip) with the sweep path.
func (c *Coordinator) HandleCompletion(ctx context.Context, t task.Task) (Outcome, error) {
	if !task.CompleteTriggerEligible(t) {
		return OutcomeNotEligible, nil
	}
	outcome, succ, err := c.guard.Spawn(ctx, t, task.TriggerOnComplete)
	if err != nil {
		return outcome, err
	}
	if outcome == OutcomeSpawned {
		c.pub.Publish(ctx, task.TopicSpawned, task.EventPayload{
			TaskID:    succ.ID,
			TaskTitle: succ.Title,
			ProjectID: succ.ProjectID,
			UserID:    succ.AssigneeID,
			ActorID:   task.SystemActor,
			Metadata: map[string]any{
				"spawned_from": t.ID,
				"pattern":      string(succ.Pattern),
			},
		})
	}
	return outcome, nil
}
