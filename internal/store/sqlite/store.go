package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at INTEGER NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_claimable ON tasks(status, next_attempt_at);

CREATE TABLE IF NOT EXISTS task_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	publishable INTEGER NOT NULL DEFAULT 0,
	loops INTEGER NOT NULL DEFAULT 0,
	final_top3 TEXT NOT NULL DEFAULT '[]',
	started_at INTEGER NOT NULL,
	completed_at INTEGER NULL
);

CREATE TABLE IF NOT EXISTS loop_states (
	run_id TEXT NOT NULL,
	loop INTEGER NOT NULL,
	state TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY(run_id, loop),
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, task domain.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
	if task.NextAttemptAt.IsZero() {
		task.NextAttemptAt = task.CreatedAt
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx create task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO tasks(
			id, kind, payload, owner, version, status, attempts, last_error,
			next_attempt_at, result, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Kind), string(task.Payload), task.Owner, task.Version,
		string(task.Status), task.Attempts, task.LastError, task.NextAttemptAt.UnixMilli(),
		string(task.Result), task.CreatedAt.UnixMilli(), task.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if err := appendEvent(ctx, tx, task.ID, "", task.Status, "", "enqueued"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, kind, payload, owner, version, status, attempts, last_error,
			next_attempt_at, result, created_at, updated_at
		FROM tasks WHERE id = ?`,
		taskID,
	)
	return scanTask(row)
}

func (s *Store) ListTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, kind, payload, owner, version, status, attempts, last_error,
			next_attempt_at, result, created_at, updated_at
		FROM tasks ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

// ClaimTask performs the optimistic claim: it succeeds only when the caller's
// last-seen version still matches and the task is retry-eligible. A false
// return with nil error means the compare-and-swap lost.
func (s *Store) ClaimTask(ctx context.Context, taskID, owner string, version int64, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx claim task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var fromStatus string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ? AND version = ?`, taskID, version).Scan(&fromStatus)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("read task for claim: %w", err)
	}

	res, err := tx.ExecContext(
		ctx,
		`UPDATE tasks
		SET status = ?, owner = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND status IN (?, ?) AND next_attempt_at <= ?`,
		string(domain.TaskStatusClaimed), owner, now.UnixMilli(),
		taskID, version,
		string(domain.TaskStatusPending), string(domain.TaskStatusFailed),
		now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task affected rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if err := appendEvent(ctx, tx, taskID, domain.TaskStatus(fromStatus), domain.TaskStatusClaimed, owner, "claimed"); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit claim task: %w", err)
	}
	return true, nil
}

// CompleteTask transitions claimed -> completed for the owning claimant.
func (s *Store) CompleteTask(ctx context.Context, taskID, owner string, version int64, result json.RawMessage, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx complete task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(
		ctx,
		`UPDATE tasks
		SET status = ?, result = ?, version = version + 1, last_error = '', updated_at = ?
		WHERE id = ? AND version = ? AND status = ? AND owner = ?`,
		string(domain.TaskStatusCompleted), string(result), now.UnixMilli(),
		taskID, version, string(domain.TaskStatusClaimed), owner,
	)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete task affected rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if err := appendEvent(ctx, tx, taskID, domain.TaskStatusClaimed, domain.TaskStatusCompleted, owner, "completed"); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit complete task: %w", err)
	}
	return true, nil
}

// FailTask increments the attempt count and either schedules a retry at
// retryAt or dead-letters the task once maxAttempts is exhausted. Returns the
// status the task ended up in; ok=false means the CAS lost.
func (s *Store) FailTask(
	ctx context.Context,
	taskID, owner string,
	version int64,
	reason string,
	retryAt time.Time,
	maxAttempts int,
	now time.Time,
) (domain.TaskStatus, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin tx fail task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var attempts int
	err = tx.QueryRowContext(
		ctx,
		`SELECT attempts FROM tasks WHERE id = ? AND version = ? AND status = ? AND owner = ?`,
		taskID, version, string(domain.TaskStatusClaimed), owner,
	).Scan(&attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read task for fail: %w", err)
	}

	nextAttempts := attempts + 1
	toStatus := domain.TaskStatusPending
	if nextAttempts >= maxAttempts {
		toStatus = domain.TaskStatusDeadLettered
	}

	res, err := tx.ExecContext(
		ctx,
		`UPDATE tasks
		SET status = ?, attempts = ?, last_error = ?, owner = '', version = version + 1,
			next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND version = ? AND status = ? AND owner = ?`,
		string(toStatus), nextAttempts, reason, retryAt.UnixMilli(), now.UnixMilli(),
		taskID, version, string(domain.TaskStatusClaimed), owner,
	)
	if err != nil {
		return "", false, fmt.Errorf("fail task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("fail task affected rows: %w", err)
	}
	if affected == 0 {
		return "", false, nil
	}
	if err := appendEvent(ctx, tx, taskID, domain.TaskStatusClaimed, toStatus, owner, reason); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit fail task: %w", err)
	}
	return toStatus, true, nil
}

func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]domain.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, from_status, to_status, owner, reason, created_at
		FROM task_events WHERE task_id = ? ORDER BY id ASC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]domain.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, from_status, to_status, owner, reason, created_at
		FROM task_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs(id, status, reason, publishable, loops, final_top3, started_at, completed_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, NULL)`,
		run.ID, string(run.Status), run.Reason, boolToInt(run.Publishable), run.Loops,
		mustJSON(run.FinalTop3), run.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, run domain.Run) error {
	completed := time.Now().UTC()
	if run.CompletedAt != nil {
		completed = run.CompletedAt.UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = ?, reason = ?, publishable = ?, loops = ?, final_top3 = ?, completed_at = ?
		WHERE id = ?`,
		string(run.Status), run.Reason, boolToInt(run.Publishable), run.Loops,
		mustJSON(run.FinalTop3), completed.UnixMilli(), run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, status, reason, publishable, loops, final_top3, started_at, completed_at
		FROM runs WHERE id = ?`,
		runID,
	)
	var r domain.Run
	var status, finalRaw string
	var publishable int
	var started int64
	var completed sql.NullInt64
	if err := row.Scan(&r.ID, &status, &r.Reason, &publishable, &r.Loops, &finalRaw, &started, &completed); err != nil {
		return domain.Run{}, fmt.Errorf("get run: %w", err)
	}
	r.Status = domain.RunStatus(status)
	r.Publishable = publishable != 0
	if err := json.Unmarshal([]byte(finalRaw), &r.FinalTop3); err != nil {
		return domain.Run{}, fmt.Errorf("decode final top3: %w", err)
	}
	r.StartedAt = millisToTime(started)
	r.CompletedAt = int64ToTimePtr(completed)
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, status, reason, publishable, loops, final_top3, started_at, completed_at
		FROM runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Run, 0, limit)
	for rows.Next() {
		var r domain.Run
		var status, finalRaw string
		var publishable int
		var started int64
		var completed sql.NullInt64
		if err := rows.Scan(&r.ID, &status, &r.Reason, &publishable, &r.Loops, &finalRaw, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = domain.RunStatus(status)
		r.Publishable = publishable != 0
		if err := json.Unmarshal([]byte(finalRaw), &r.FinalTop3); err != nil {
			return nil, fmt.Errorf("decode final top3: %w", err)
		}
		r.StartedAt = millisToTime(started)
		r.CompletedAt = int64ToTimePtr(completed)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

func (s *Store) SaveLoopState(ctx context.Context, state domain.LoopState) error {
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode loop state: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO loop_states(run_id, loop, state, created_at) VALUES(?, ?, ?, ?)`,
		state.RunID, state.Loop, string(raw), state.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save loop state: %w", err)
	}
	return nil
}

func (s *Store) ListLoopStates(ctx context.Context, runID string) ([]domain.LoopState, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT state FROM loop_states WHERE run_id = ? ORDER BY loop ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list loop states: %w", err)
	}
	defer rows.Close()

	var result []domain.LoopState
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan loop state: %w", err)
		}
		var state domain.LoopState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("decode loop state: %w", err)
		}
		result = append(result, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate loop states: %w", err)
	}
	return result, nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, taskID string, from, to domain.TaskStatus, owner, reason string) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO task_events(task_id, from_status, to_status, owner, reason, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		taskID, string(from), string(to), owner, reason, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var kind, status, payload, result string
	var nextAttempt, created, updated int64
	if err := row.Scan(
		&t.ID, &kind, &payload, &t.Owner, &t.Version, &status, &t.Attempts,
		&t.LastError, &nextAttempt, &result, &created, &updated,
	); err != nil {
		return domain.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Kind = domain.TaskKind(kind)
	t.Status = domain.TaskStatus(status)
	t.Payload = []byte(payload)
	if result != "" {
		t.Result = []byte(result)
	}
	t.NextAttemptAt = millisToTime(nextAttempt)
	t.CreatedAt = millisToTime(created)
	t.UpdatedAt = millisToTime(updated)
	return t, nil
}

func collectEvents(rows *sql.Rows) ([]domain.TaskEvent, error) {
	var result []domain.TaskEvent
	for rows.Next() {
		var ev domain.TaskEvent
		var from, to string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.TaskID, &from, &to, &ev.Owner, &ev.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.FromStatus = domain.TaskStatus(from)
		ev.ToStatus = domain.TaskStatus(to)
		ev.CreatedAt = millisToTime(created)
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task events: %w", err)
	}
	return result, nil
}

// Timestamps are stored as millisecond epochs so sub-second retry backoff
// survives the round trip.
func millisToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}
