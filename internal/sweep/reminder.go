package sweep

import (
	"context"
	"fmt"
	"math"
	"time"

	"recurd/internal/task"
	logx "recurd/pkg/logx"
)

// reminderPass runs the reminder side of a tick. It is independent of the
// recurrence path: a task can be reminded whether or not it recurs.
//
// Delivery is at-most-once by construction: the reminder_sent claim
// commits before the publish attempt, so a lost event is never resent and
// a failed bus never causes a retry storm.
func (c *Coordinator) reminderPass(ctx context.Context, now time.Time, rep *TickReport) error {
	cands, err := c.store.QueryReminderCandidates(ctx, now, c.cfg.ReminderWindow)
	if err != nil {
		return fmt.Errorf("query reminder candidates: %w", err)
	}

	for _, t := range cands {
		if err := ctx.Err(); err != nil {
			rep.Truncated = true
			return nil
		}

		claimed, err := c.store.MarkReminderSent(ctx, t.ID)
		if err != nil {
			rep.Errors++
			c.log.Error("reminder claim failed", logx.String("task", t.ID), logx.Err(err))
			continue
		}
		if !claimed {
			// Another tick got here first.
			rep.Skipped++
			continue
		}

		hours := t.DueDate.Sub(now).Hours()
		c.pub.Publish(ctx, task.TopicReminder, task.EventPayload{
			TaskID:    t.ID,
			TaskTitle: t.Title,
			ProjectID: t.ProjectID,
			UserID:    t.AssigneeID,
			Metadata: map[string]any{
				"hours_until_due": math.Round(hours*10) / 10,
				"due_date":        t.DueDate.UTC().Format(time.RFC3339),
			},
		})
		rep.Reminded++
		c.log.Info("reminder sent",
			logx.String("task", t.ID), logx.String("assignee", t.AssigneeID),
			logx.Float64("hours_until_due", hours))
	}
	return nil
}
