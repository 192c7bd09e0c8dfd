package task

import "time"

// Recurrence policy: pure functions, no I/O.
//
// The sweep owns the time-driven trigger path; the CRUD completion endpoint
// calls CompleteTriggerEligible on its own event-driven path. Both paths
// share the same guarded transition downstream.

var patternOffsets = map[Pattern]time.Duration{
	PatternMinute:   time.Minute,
	Pattern5Minute:  5 * time.Minute,
	Pattern10Minute: 10 * time.Minute,
	Pattern15Minute: 15 * time.Minute,
	Pattern30Minute: 30 * time.Minute,
	PatternHourly:   time.Hour,
	PatternDaily:    24 * time.Hour,
	PatternWeekly:   7 * 24 * time.Hour,
	PatternMonthly:  30 * 24 * time.Hour,
}

// KnownPattern reports whether p has an explicit offset.
func KnownPattern(p Pattern) bool {
	_, ok := patternOffsets[p]
	return ok
}

// NextDueDate computes the successor's due date from the predecessor's.
// Unknown patterns fall back to daily rather than erroring, so a task with
// a bad pattern keeps cycling instead of silently dropping off the schedule.
func NextDueDate(p Pattern, from time.Time) time.Time {
	off, ok := patternOffsets[p]
	if !ok {
		off = 24 * time.Hour
	}
	return from.Add(off)
}

// DueTriggerEligible reports whether the time-driven trigger fires for t.
func DueTriggerEligible(t Task, now time.Time) bool {
	if !t.IsRecurring || t.HasSpawnedNext {
		return false
	}
	if t.TriggerMode != TriggerOnDueDate && t.TriggerMode != TriggerBoth {
		return false
	}
	if t.Status == StatusCompleted {
		return false
	}
	return t.DueDate != nil && !t.DueDate.After(now)
}

// CompleteTriggerEligible reports whether the completion-driven trigger
// fires for t. Completion is event-driven, so this is invoked by the
// completion endpoint, not the sweep.
func CompleteTriggerEligible(t Task) bool {
	if !t.IsRecurring || t.HasSpawnedNext {
		return false
	}
	if t.TriggerMode != TriggerOnComplete && t.TriggerMode != TriggerBoth {
		return false
	}
	return t.Status == StatusCompleted
}
