package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"recurd/internal/eventbus"
	"recurd/internal/notify"
	"recurd/internal/storage"
	"recurd/internal/task"
	logx "recurd/pkg/logx"
)

type captureTransport struct {
	mu     sync.Mutex
	events []eventbus.Event
	err    error
}

func (c *captureTransport) Publish(ctx context.Context, e eventbus.Event) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, e)
	return nil
}

func (c *captureTransport) topic(topic string) []task.EventPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []task.EventPayload
	for _, e := range c.events {
		if e.Topic == topic {
			out = append(out, e.Payload.(task.EventPayload))
		}
	}
	return out
}

func newRig(t *testing.T) (*Coordinator, storage.Store, *captureTransport) {
	t.Helper()
	st := storage.NewMemory()
	tr := &captureTransport{}
	pub := notify.NewPublisher(notify.Config{}, tr, logx.Nop())
	return NewCoordinator(Config{}, st, pub, logx.Nop()), st, tr
}

func recurring(id string, due time.Time) task.Task {
	return task.Task{
		ID:          id,
		Title:       "weekly report",
		ProjectID:   "proj-1",
		AssigneeID:  "u1",
		CreatedByID: "u2",
		Priority:    "high",
		Tags:        []string{"ops"},
		Status:      task.StatusPending,
		DueDate:     &due,
		IsRecurring: true,
		Pattern:     task.PatternDaily,
		TriggerMode: task.TriggerOnDueDate,
	}
}

func TestTickSpawnsSuccessor(t *testing.T) {
	t.Parallel()
	c, st, tr := newRig(t)
	ctx := context.Background()
	now := time.Now()
	due := now.Add(-time.Hour)

	t1 := recurring("t1", due)
	t1.MaxOccurrences = 3
	if err := st.InsertTask(ctx, t1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rep := c.Tick(ctx)
	if rep.Spawned != 1 || rep.Errors != 0 {
		t.Fatalf("report = %+v, want one spawn", rep)
	}

	spawned := tr.topic(task.TopicSpawned)
	if len(spawned) != 1 {
		t.Fatalf("spawned events = %d, want 1", len(spawned))
	}
	succ, found, err := st.GetTask(ctx, spawned[0].TaskID)
	if err != nil || !found {
		t.Fatalf("successor lookup: found=%v err=%v", found, err)
	}

	if succ.RootID != "t1" {
		t.Fatalf("successor root = %q, want t1", succ.RootID)
	}
	if succ.HasSpawnedNext {
		t.Fatal("successor already marked spawned")
	}
	if succ.DueDate == nil || !succ.DueDate.Equal(due.Add(24*time.Hour)) {
		t.Fatalf("successor due = %v, want predecessor due + 24h", succ.DueDate)
	}
	if succ.Title != t1.Title || succ.AssigneeID != t1.AssigneeID ||
		succ.MaxOccurrences != 3 || succ.Pattern != task.PatternDaily {
		t.Fatalf("successor fields not copied: %+v", succ)
	}
	if len(succ.Tags) != 1 || succ.Tags[0] != "ops" {
		t.Fatalf("successor tags = %v", succ.Tags)
	}

	pred, _, _ := st.GetTask(ctx, "t1")
	if !pred.HasSpawnedNext {
		t.Fatal("predecessor flag not flipped")
	}
}

func TestRepeatedTicksSpawnOnce(t *testing.T) {
	t.Parallel()
	c, st, _ := newRig(t)
	ctx := context.Background()

	if err := st.InsertTask(ctx, recurring("t1", time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first := c.Tick(ctx)
	second := c.Tick(ctx)
	third := c.Tick(ctx)

	if first.Spawned != 1 {
		t.Fatalf("first tick spawned %d, want 1", first.Spawned)
	}
	if second.Spawned != 0 || third.Spawned != 0 {
		t.Fatalf("later ticks spawned %d/%d, want 0", second.Spawned, third.Spawned)
	}
	if n, _ := st.CountChain(ctx, "t1"); n != 2 {
		t.Fatalf("chain length = %d, want 2", n)
	}
}

func TestConcurrentTicksSpawnExactlyOne(t *testing.T) {
	t.Parallel()
	c, st, _ := newRig(t)
	ctx := context.Background()

	if err := st.InsertTask(ctx, recurring("t1", time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("insert: %v", err)
	}

	const sweeps = 16
	var wg sync.WaitGroup
	results := make([]TickReport, sweeps)
	for i := 0; i < sweeps; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Tick(ctx)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r.Spawned
		if r.Errors != 0 {
			t.Fatalf("tick reported errors: %+v", r)
		}
	}
	if total != 1 {
		t.Fatalf("total spawns across concurrent ticks = %d, want exactly 1", total)
	}
	if n, _ := st.CountChain(ctx, "t1"); n != 2 {
		t.Fatalf("chain length = %d, want 2", n)
	}
}

func TestChainBoundEnforced(t *testing.T) {
	t.Parallel()
	c, st, _ := newRig(t)
	ctx := context.Background()
	now := time.Now()

	t1 := recurring("t1", now.Add(-72*time.Hour))
	t1.MaxOccurrences = 3
	t1.HasSpawnedNext = true
	t2 := recurring("t2", now.Add(-48*time.Hour))
	t2.MaxOccurrences = 3
	t2.RootID = "t1"
	t2.HasSpawnedNext = true
	t3 := recurring("t3", now.Add(-time.Hour))
	t3.MaxOccurrences = 3
	t3.RootID = "t1"

	for _, tk := range []task.Task{t1, t2, t3} {
		if err := st.InsertTask(ctx, tk); err != nil {
			t.Fatalf("insert %s: %v", tk.ID, err)
		}
	}

	rep := c.Tick(ctx)
	if rep.Spawned != 0 || rep.LimitHits != 1 {
		t.Fatalf("report = %+v, want one limit hit and no spawn", rep)
	}
	if n, _ := st.CountChain(ctx, "t1"); n != 3 {
		t.Fatalf("chain length = %d, want 3", n)
	}
	t3after, _, _ := st.GetTask(ctx, "t3")
	if t3after.HasSpawnedNext {
		t.Fatal("limit hit must leave has_spawned_next false")
	}

	// Raising the limit later lets the same node spawn; the flag was left
	// clear precisely for this.
	t3after.MaxOccurrences = 5
	// The memory driver upserts on InsertTask.
	if err := st.InsertTask(ctx, t3after); err != nil {
		t.Fatalf("update: %v", err)
	}
	rep = c.Tick(ctx)
	if rep.Spawned != 1 {
		t.Fatalf("after raising limit, spawned = %d, want 1", rep.Spawned)
	}
}

func TestSuccessorLineageStaysFlat(t *testing.T) {
	t.Parallel()
	c, st, tr := newRig(t)
	ctx := context.Background()

	if err := st.InsertTask(ctx, recurring("t1", time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	c.Tick(ctx)

	// Make the successor due and sweep again: the grandchild must still
	// point at t1, one hop from a task with no root.
	spawned := tr.topic(task.TopicSpawned)
	if len(spawned) != 1 {
		t.Fatalf("spawned events = %d", len(spawned))
	}
	succ, _, _ := st.GetTask(ctx, spawned[0].TaskID)
	past := time.Now().Add(-time.Minute)
	succ.DueDate = &past
	if err := st.InsertTask(ctx, succ); err != nil {
		t.Fatalf("update: %v", err)
	}

	c.Tick(ctx)
	spawned = tr.topic(task.TopicSpawned)
	if len(spawned) != 2 {
		t.Fatalf("spawned events = %d, want 2", len(spawned))
	}
	grand, _, _ := st.GetTask(ctx, spawned[1].TaskID)
	if grand.RootID != "t1" {
		t.Fatalf("grandchild root = %q, want t1 (flat lineage)", grand.RootID)
	}
	root, _, _ := st.GetTask(ctx, grand.RootID)
	if root.RootID != "" {
		t.Fatalf("lineage root %q has root_id %q, want none", root.ID, root.RootID)
	}
}

func TestCorruptLineageFailsCandidateOnly(t *testing.T) {
	t.Parallel()
	c, st, _ := newRig(t)
	ctx := context.Background()
	now := time.Now()

	bad := recurring("bad", now.Add(-time.Hour))
	bad.RootID = "bad" // self-pointing root
	good := recurring("good", now.Add(-time.Hour))

	for _, tk := range []task.Task{bad, good} {
		if err := st.InsertTask(ctx, tk); err != nil {
			t.Fatalf("insert %s: %v", tk.ID, err)
		}
	}

	rep := c.Tick(ctx)
	if rep.Errors != 1 {
		t.Fatalf("errors = %d, want 1 (corrupt candidate)", rep.Errors)
	}
	if rep.Spawned != 1 {
		t.Fatalf("spawned = %d, want 1 (healthy candidate unaffected)", rep.Spawned)
	}
	badAfter, _, _ := st.GetTask(ctx, "bad")
	if badAfter.HasSpawnedNext {
		t.Fatal("corrupt candidate was mutated")
	}
}

func TestSubtaskCloning(t *testing.T) {
	t.Parallel()
	c, st, tr := newRig(t)
	ctx := context.Background()
	now := time.Now()
	subDue := now.Add(6 * time.Hour)

	t1 := recurring("t1", now.Add(-time.Hour))
	t1.CloneSubtasks = true
	sub := task.Task{
		ID: "sub", ParentID: "t1", Title: "prepare figures",
		AssigneeID: "u3", Priority: "low", Tags: []string{"charts"},
		Status: task.StatusCompleted, DueDate: &subDue,
	}
	nested := task.Task{
		ID: "nested", ParentID: "sub", Title: "export data",
		Status: task.StatusPending,
	}
	for _, tk := range []task.Task{t1, sub, nested} {
		if err := st.InsertTask(ctx, tk); err != nil {
			t.Fatalf("insert %s: %v", tk.ID, err)
		}
	}

	if rep := c.Tick(ctx); rep.Spawned != 1 {
		t.Fatalf("spawned = %d", rep.Spawned)
	}
	succID := tr.topic(task.TopicSpawned)[0].TaskID

	clones, err := st.ListSubtasks(ctx, succID)
	if err != nil {
		t.Fatalf("list clones: %v", err)
	}
	if len(clones) != 1 {
		t.Fatalf("direct clones = %d, want 1", len(clones))
	}
	clone := clones[0]
	if clone.Title != "prepare figures" || clone.AssigneeID != "u3" {
		t.Fatalf("clone fields: %+v", clone)
	}
	if clone.Status != task.StatusPending {
		t.Fatalf("clone status = %q, want pending reset", clone.Status)
	}
	// Clones keep the source subtask's absolute due date.
	if clone.DueDate == nil || !clone.DueDate.Equal(subDue) {
		t.Fatalf("clone due = %v, want source's absolute %v", clone.DueDate, subDue)
	}

	deep, err := st.ListSubtasks(ctx, clone.ID)
	if err != nil {
		t.Fatalf("list nested: %v", err)
	}
	if len(deep) != 1 || deep[0].Title != "export data" {
		t.Fatalf("nested clones = %v", deep)
	}
}

func TestReminderFlow(t *testing.T) {
	t.Parallel()
	c, st, tr := newRig(t)
	ctx := context.Background()
	now := time.Now()
	due := now.Add(20 * time.Hour)

	t4 := task.Task{
		ID: "t4", Title: "file taxes", AssigneeID: "u1", ProjectID: "p1",
		Status: task.StatusPending, DueDate: &due,
	}
	if err := st.InsertTask(ctx, t4); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rep := c.Tick(ctx)
	if rep.Reminded != 1 {
		t.Fatalf("reminded = %d, want 1", rep.Reminded)
	}
	evs := tr.topic(task.TopicReminder)
	if len(evs) != 1 {
		t.Fatalf("reminder events = %d, want 1", len(evs))
	}
	hours, ok := evs[0].Metadata["hours_until_due"].(float64)
	if !ok || hours < 19.5 || hours > 20.5 {
		t.Fatalf("hours_until_due = %v, want about 20", evs[0].Metadata["hours_until_due"])
	}
	if evs[0].UserID != "u1" {
		t.Fatalf("reminder user = %q", evs[0].UserID)
	}

	after, _, _ := st.GetTask(ctx, "t4")
	if !after.ReminderSent {
		t.Fatal("reminder_sent not set")
	}

	// Second tick with unchanged due date emits nothing further.
	c.Tick(ctx)
	if evs := tr.topic(task.TopicReminder); len(evs) != 1 {
		t.Fatalf("reminder events after second tick = %d, want still 1", len(evs))
	}
}

func TestPublishFailureDoesNotUndoCommit(t *testing.T) {
	t.Parallel()
	c, st, tr := newRig(t)
	tr.err = errors.New("bus unreachable")
	ctx := context.Background()
	now := time.Now()
	remDue := now.Add(12 * time.Hour)

	if err := st.InsertTask(ctx, recurring("t1", now.Add(-time.Hour))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rem := task.Task{ID: "r1", Title: "call dentist", AssigneeID: "u1",
		Status: task.StatusPending, DueDate: &remDue}
	if err := st.InsertTask(ctx, rem); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rep := c.Tick(ctx)
	if rep.Spawned != 1 || rep.Reminded != 1 {
		t.Fatalf("report = %+v, want one spawn and one reminder", rep)
	}

	pred, _, _ := st.GetTask(ctx, "t1")
	if !pred.HasSpawnedNext {
		t.Fatal("spawn rolled back on publish failure")
	}
	if n, _ := st.CountChain(ctx, "t1"); n != 2 {
		t.Fatalf("chain length = %d, want 2", n)
	}
	remAfter, _, _ := st.GetTask(ctx, "r1")
	if !remAfter.ReminderSent {
		t.Fatal("reminder claim rolled back on publish failure")
	}
	// And the failed reminder is never resent: at-most-once by design.
	c.Tick(ctx)
	if len(tr.topic(task.TopicReminder)) != 0 {
		t.Fatal("no reminder event should have been delivered")
	}
}

func TestHandleCompletionTrigger(t *testing.T) {
	t.Parallel()
	c, st, _ := newRig(t)
	ctx := context.Background()

	done := task.Task{
		ID: "t1", Title: "close books", Status: task.StatusCompleted,
		IsRecurring: true, Pattern: task.PatternMonthly,
		TriggerMode: task.TriggerOnComplete,
	}
	if err := st.InsertTask(ctx, done); err != nil {
		t.Fatalf("insert: %v", err)
	}

	outcome, err := c.HandleCompletion(ctx, done)
	if err != nil || outcome != OutcomeSpawned {
		t.Fatalf("completion spawn: outcome=%v err=%v", outcome, err)
	}
	if n, _ := st.CountChain(ctx, "t1"); n != 2 {
		t.Fatalf("chain length = %d, want 2", n)
	}

	// Replaying the completion is a no-op.
	after, _, _ := st.GetTask(ctx, "t1")
	outcome, err = c.HandleCompletion(ctx, after)
	if err != nil || outcome != OutcomeNotEligible {
		t.Fatalf("replay: outcome=%v err=%v", outcome, err)
	}

	pending := task.Task{ID: "t2", Status: task.StatusPending,
		IsRecurring: true, TriggerMode: task.TriggerOnComplete}
	if outcome, _ := c.HandleCompletion(ctx, pending); outcome != OutcomeNotEligible {
		t.Fatalf("pending task outcome = %v, want not eligible", outcome)
	}
}

func TestTickSurvivesStoreOutage(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	_ = st.Close() // simulate the store being unavailable mid-flight
	tr := &captureTransport{}
	pub := notify.NewPublisher(notify.Config{}, tr, logx.Nop())
	c := NewCoordinator(Config{}, st, pub, logx.Nop())

	rep := c.Tick(context.Background())
	if rep.Errors == 0 {
		t.Fatal("store outage should be reported")
	}
	if rep.Spawned != 0 || rep.Reminded != 0 {
		t.Fatalf("nothing should be committed: %+v", rep)
	}
}
