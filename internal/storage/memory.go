package storage

import (
	"context"
	"sync"
	"time"

	"recurd/internal/task"
)

// memStore keeps the whole task table in one map under one mutex. The
// conditional flips therefore have the same atomicity guarantee as the
// sqlite driver's UPDATE + RowsAffected, just with a coarser lock.
type memStore struct {
	mu     sync.Mutex
	tasks  map[string]task.Task
	order  []string // insertion order, keeps query results deterministic
	audits []AuditEntry
	closed bool
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memStore{tasks: map[string]task.Task{}}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) snapshot(keep func(task.Task) bool) []task.Task {
	var out []task.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if keep(t) {
			t.Tags = t.CloneTags()
			out = append(out, t)
		}
	}
	return out
}

func (s *memStore) QueryDueTasks(ctx context.Context, now time.Time) ([]task.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.snapshot(func(t task.Task) bool {
		return task.DueTriggerEligible(t, now)
	}), nil
}

func (s *memStore) QueryReminderCandidates(ctx context.Context, now time.Time, window time.Duration) ([]task.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	end := now.Add(window)
	return s.snapshot(func(t task.Task) bool {
		if t.ReminderSent || t.AssigneeID == "" || t.DueDate == nil {
			return false
		}
		if t.Status == task.StatusCompleted || t.Status == task.StatusCancelled {
			return false
		}
		return t.DueDate.After(now) && !t.DueDate.After(end)
	}), nil
}

func (s *memStore) GetTask(ctx context.Context, id string) (task.Task, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return task.Task{}, false, ErrClosed
	}
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, false, nil
	}
	t.Tags = t.CloneTags()
	return t, true, nil
}

func (s *memStore) insertLocked(t task.Task) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Tags = t.CloneTags()
	if _, exists := s.tasks[t.ID]; !exists {
		s.order = append(s.order, t.ID)
	}
	s.tasks[t.ID] = t
}

func (s *memStore) InsertTask(ctx context.Context, t task.Task) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.insertLocked(t)
	return nil
}

func (s *memStore) CountChain(ctx context.Context, rootID string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, t := range s.tasks {
		if t.ID == rootID || t.RootID == rootID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListSubtasks(ctx context.Context, parentID string) ([]task.Task, error) {
	_ = ctx
	if parentID == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.snapshot(func(t task.Task) bool { return t.ParentID == parentID }), nil
}

func (s *memStore) flipLocked(id string, get func(task.Task) bool, set func(*task.Task)) bool {
	t, ok := s.tasks[id]
	if !ok || get(t) {
		return false
	}
	set(&t)
	s.tasks[id] = t
	return true
}

func (s *memStore) ConditionalFlipSpawned(ctx context.Context, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.flipLocked(id,
		func(t task.Task) bool { return t.HasSpawnedNext },
		func(t *task.Task) { t.HasSpawnedNext = true }), nil
}

func (s *memStore) MarkReminderSent(ctx context.Context, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.flipLocked(id,
		func(t task.Task) bool { return t.ReminderSent },
		func(t *task.Task) { t.ReminderSent = true }), nil
}

func (s *memStore) Spawn(ctx context.Context, op SpawnOp) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	ok := s.flipLocked(op.PredecessorID,
		func(t task.Task) bool { return t.HasSpawnedNext },
		func(t *task.Task) { t.HasSpawnedNext = true })
	if !ok {
		return false, nil
	}
	s.insertLocked(op.Successor)
	for _, c := range op.Clones {
		s.insertLocked(c)
	}
	a := op.Audit
	if a.At.IsZero() {
		a.At = time.Now()
	}
	s.audits = append(s.audits, a)
	return true, nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audits = append(s.audits, e)
	return nil
}

// Audits returns a copy of the audit log. Test helper; the sqlite driver
// exposes no equivalent because production readers go through SQL.
func (s *memStore) Audits() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audits...)
}
