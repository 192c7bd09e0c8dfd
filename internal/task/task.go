package task

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Pattern is the fixed recurrence cadence of a task.
// Monthly is a fixed 30-day offset, not calendar month arithmetic.
type Pattern string

const (
	PatternMinute   Pattern = "1m"
	Pattern5Minute  Pattern = "5m"
	Pattern10Minute Pattern = "10m"
	Pattern15Minute Pattern = "15m"
	Pattern30Minute Pattern = "30m"
	PatternHourly   Pattern = "1h"
	PatternDaily    Pattern = "daily"
	PatternWeekly   Pattern = "weekly"
	PatternMonthly  Pattern = "monthly"
)

// TriggerMode selects which condition spawns the next occurrence.
type TriggerMode string

const (
	TriggerOnComplete TriggerMode = "on_complete"
	TriggerOnDueDate  TriggerMode = "on_due_date"
	TriggerBoth       TriggerMode = "both"
)

// Task is the engine's view of a task row.
//
// The CRUD layer owns most fields; this engine mutates exactly two things:
// it flips HasSpawnedNext false->true, and it inserts successor rows. The
// ReminderSent flag is the one other monotonic flip (false->true) it owns.
//
// Empty string means "not set" for the ID-typed fields.
type Task struct {
	ID          string
	Title       string
	Description string
	ProjectID   string
	AssigneeID  string
	CreatedByID string
	Priority    string
	Tags        []string

	// ParentID links a subtask to its parent task. Empty for top-level tasks.
	ParentID string

	Status  Status
	DueDate *time.Time

	// Recurring definition.
	IsRecurring    bool
	Pattern        Pattern
	TriggerMode    TriggerMode
	MaxOccurrences int // 0 means unbounded
	RootID         string
	CloneSubtasks  bool
	HasSpawnedNext bool

	ReminderSent bool

	CreatedAt time.Time
}

// NewID returns a fresh task id.
func NewID() string { return uuid.NewString() }

// Root resolves the lineage root: the task's RootID, or its own ID when it
// is the first task in the lineage. Lineages are flat: every descendant
// points directly at the first task, never at another descendant.
func (t Task) Root() string {
	if t.RootID != "" {
		return t.RootID
	}
	return t.ID
}

// CloneTags returns a value copy of the task's tags so successors never
// share the backing array with their predecessor.
func (t Task) CloneTags() []string {
	if len(t.Tags) == 0 {
		return nil
	}
	return append([]string(nil), t.Tags...)
}
