package task

// Event topics published by the engine. Downstream rendering and storage of
// notifications is out of process; payloads should stay small and
// JSON-serializable.
const (
	TopicSpawned   = "task.spawned"
	TopicReminder  = "task.reminder"
	TopicAssigned  = "task.assigned"
	TopicCompleted = "task.completed"
)

// EventPayload is the common envelope carried on every task event.
type EventPayload struct {
	TaskID    string         `json:"task_id"`
	TaskTitle string         `json:"task_title"`
	ProjectID string         `json:"project_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SystemActor is recorded as the actor for time-driven spawns.
const SystemActor = "system"
