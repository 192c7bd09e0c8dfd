package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"recurd/internal/task"
	logx "recurd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, title, description, project_id, assignee_id, created_by_id,
	priority, tags, parent_id, status, due_date, is_recurring, pattern,
	trigger_mode, max_occurrences, root_id, clone_subtasks, has_spawned_next,
	reminder_sent, created_at`

func scanTask(row interface{ Scan(...any) error }) (task.Task, error) {
	var (
		t       task.Task
		tagsRaw string
		due     sql.NullInt64
		created int64
	)
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.ProjectID, &t.AssigneeID,
		&t.CreatedByID, &t.Priority, &tagsRaw, &t.ParentID,
		(*string)(&t.Status), &due, &t.IsRecurring, (*string)(&t.Pattern),
		(*string)(&t.TriggerMode), &t.MaxOccurrences, &t.RootID,
		&t.CloneSubtasks, &t.HasSpawnedNext, &t.ReminderSent, &created,
	)
	if err != nil {
		return task.Task{}, err
	}
	if due.Valid {
		d := time.UnixMilli(due.Int64)
		t.DueDate = &d
	}
	if created != 0 {
		t.CreatedAt = time.UnixMilli(created)
	}
	if tagsRaw != "" && tagsRaw != "[]" {
		if err := json.Unmarshal([]byte(tagsRaw), &t.Tags); err != nil {
			return task.Task{}, fmt.Errorf("task %s: bad tags: %w", t.ID, err)
		}
	}
	return t, nil
}

func (s *sqliteStore) queryTasks(ctx context.Context, where string, args ...any) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) QueryDueTasks(ctx context.Context, now time.Time) ([]task.Task, error) {
	return s.queryTasks(ctx,
		`is_recurring = 1
		AND has_spawned_next = 0
		AND trigger_mode IN (?, ?)
		AND status != ?
		AND due_date IS NOT NULL
		AND due_date <= ?`,
		string(task.TriggerOnDueDate), string(task.TriggerBoth),
		string(task.StatusCompleted), now.UnixMilli())
}

func (s *sqliteStore) QueryReminderCandidates(ctx context.Context, now time.Time, window time.Duration) ([]task.Task, error) {
	return s.queryTasks(ctx,
		`reminder_sent = 0
		AND assignee_id != ''
		AND status NOT IN (?, ?)
		AND due_date IS NOT NULL
		AND due_date > ?
		AND due_date <= ?`,
		string(task.StatusCompleted), string(task.StatusCancelled),
		now.UnixMilli(), now.Add(window).UnixMilli())
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (task.Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, false, nil
	}
	if err != nil {
		return task.Task{}, false, err
	}
	return t, true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTask(ctx context.Context, ex execer, t task.Task) error {
	tags := "[]"
	if len(t.Tags) > 0 {
		b, err := json.Marshal(t.Tags)
		if err != nil {
			return err
		}
		tags = string(b)
	}
	var due any
	if t.DueDate != nil {
		due = t.DueDate.UnixMilli()
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.ProjectID, t.AssigneeID, t.CreatedByID,
		t.Priority, tags, t.ParentID, string(t.Status), due, t.IsRecurring,
		string(t.Pattern), string(t.TriggerMode), t.MaxOccurrences, t.RootID,
		t.CloneSubtasks, t.HasSpawnedNext, t.ReminderSent, created.UnixMilli())
	return err
}

func (s *sqliteStore) InsertTask(ctx context.Context, t task.Task) error {
	return insertTask(ctx, s.db, t)
}

func (s *sqliteStore) CountChain(ctx context.Context, rootID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE root_id = ? OR id = ?`,
		rootID, rootID).Scan(&n)
	return n, err
}

func (s *sqliteStore) ListSubtasks(ctx context.Context, parentID string) ([]task.Task, error) {
	if parentID == "" {
		return nil, nil
	}
	return s.queryTasks(ctx, `parent_id = ?`, parentID)
}

func conditionalFlip(ctx context.Context, ex execer, column, id string) (bool, error) {
	res, err := ex.ExecContext(ctx,
		`UPDATE tasks SET `+column+` = 1 WHERE id = ? AND `+column+` = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) ConditionalFlipSpawned(ctx context.Context, id string) (bool, error) {
	return conditionalFlip(ctx, s.db, "has_spawned_next", id)
}

func (s *sqliteStore) MarkReminderSent(ctx context.Context, id string) (bool, error) {
	return conditionalFlip(ctx, s.db, "reminder_sent", id)
}

// Spawn runs the guarded transition in one transaction. The flip is the
// gate: if it affects zero rows, the transaction rolls back empty and the
// caller treats the spawn as already done elsewhere.
func (s *sqliteStore) Spawn(ctx context.Context, op SpawnOp) (spawned bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if !spawned || err != nil {
			_ = tx.Rollback()
		}
	}()

	ok, err := conditionalFlip(ctx, tx, "has_spawned_next", op.PredecessorID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err = insertTask(ctx, tx, op.Successor); err != nil {
		return false, err
	}
	for _, c := range op.Clones {
		if err = insertTask(ctx, tx, c); err != nil {
			return false, err
		}
	}
	if err = appendAudit(ctx, tx, op.Audit); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func appendAudit(ctx context.Context, ex execer, e AuditEntry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO audit (at, actor, action, task_id, to_task_id, fired_by, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		at.UnixMilli(), e.Actor, e.Action, e.TaskID, e.ToTaskID, e.FiredBy,
		nullStr(e.MetaJSON))
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	return appendAudit(ctx, s.db, e)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
