package sweep

import (
	"context"

	"recurd/internal/storage"
	"recurd/internal/task"
)

// cloneSubtree builds the deep copy of sourceID's subtask tree re-parented
// under targetID. It only reads; the returned rows are inserted inside the
// spawn transaction.
//
// Clones keep the source subtask's absolute due date. It is not shifted
// relative to the new parent's due date; downstream consumers rely on the
// historical behavior.
//
// Depth-first; terminates because the CRUD layer rejects subtask cycles.
func cloneSubtree(ctx context.Context, st storage.Store, sourceID, targetID string) ([]task.Task, error) {
	children, err := st.ListSubtasks(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	var out []task.Task
	for _, child := range children {
		clone := task.Task{
			ID:          task.NewID(),
			Title:       child.Title,
			Description: child.Description,
			ProjectID:   child.ProjectID,
			AssigneeID:  child.AssigneeID,
			CreatedByID: child.CreatedByID,
			Priority:    child.Priority,
			Tags:        child.CloneTags(),
			ParentID:    targetID,
			Status:      task.StatusPending,
			DueDate:     child.DueDate,
		}
		out = append(out, clone)

		nested, err := cloneSubtree(ctx, st, child.ID, clone.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}
