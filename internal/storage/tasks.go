package storage

import (
	"database/sql"
	"fmt"

	"proxybind/internal/health"
	"proxybind/internal/resource"
)

// EnqueueManualTask stores an open manual intervention task.
func (s *Storage) EnqueueManualTask(t health.ManualTask) (health.ManualTask, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.Status = health.TaskOpen
	t.ResolvedAt = nil

	result, err := s.db.Exec(`
		INSERT INTO manual_tasks (account_id, proxy_id, platform, reason, detail, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.AccountID, t.ProxyID, string(t.Platform), string(t.Reason), t.Detail, string(t.Status), t.CreatedAt.UTC())
	if err != nil {
		return health.ManualTask{}, err
	}

	t.ID, _ = result.LastInsertId()
	return t, nil
}

// ListManualTasks returns tasks with the given status, oldest first. An
// empty status returns every task.
func (s *Storage) ListManualTasks(status health.TaskStatus) ([]health.ManualTask, error) {
	query := `
		SELECT id, account_id, proxy_id, platform, reason, detail, status, created_at, resolved_at
		FROM manual_tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []health.ManualTask{}
	for rows.Next() {
		var t health.ManualTask
		var resolvedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.AccountID, &t.ProxyID, &t.Platform, &t.Reason, &t.Detail, &t.Status, &t.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		t.ResolvedAt = timePtr(resolvedAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ResolveManualTask marks a task resolved.
func (s *Storage) ResolveManualTask(id int64) error {
	result, err := s.db.Exec(`
		UPDATE manual_tasks SET status = ?, resolved_at = ? WHERE id = ? AND status = ?
	`, string(health.TaskResolved), s.now(), id, string(health.TaskOpen))
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: open manual task %d", resource.ErrNotFound, id)
	}
	return nil
}

// LogOutcome appends a worker outcome report.
func (s *Storage) LogOutcome(r health.OutcomeRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO outcome_logs (account_id, proxy_id, platform, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.AccountID, r.ProxyID, string(r.Platform), string(r.Outcome), r.Detail, r.CreatedAt.UTC())
	return err
}
