package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"writebot/internal/task"
)

// ScheduleTask is an idempotent upsert keyed by (kind, target,
// target id): an existing row keeps its identity and gets the new due
// time, otherwise a fresh unclaimed row is inserted. Last writer wins
// on the due time.
func (s *Store) ScheduleTask(ctx context.Context, kind task.Kind, target task.Target, targetID int64, dueAt int64, recurring bool, interval time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(kind, target, target_id, due_at, recurring, interval_secs)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(kind, target, target_id)
		 DO UPDATE SET due_at=excluded.due_at, recurring=excluded.recurring, interval_secs=excluded.interval_secs`,
		string(kind), string(target), targetID, dueAt, boolInt(recurring), int64(interval/time.Second),
	)
	return err
}

// CancelTasks deletes every task for the target, optionally narrowed to
// specific kinds. Deleting nothing is not an error.
func (s *Store) CancelTasks(ctx context.Context, target task.Target, targetID int64, kinds ...task.Kind) error {
	if len(kinds) == 0 {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM tasks WHERE target = ? AND target_id = ?`, string(target), targetID)
		return err
	}
	for _, k := range kinds {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM tasks WHERE target = ? AND target_id = ? AND kind = ?`,
			string(target), targetID, string(k)); err != nil {
			return err
		}
	}
	return nil
}

// DueTasks returns unclaimed tasks due at or before now, ascending by
// id so ties are processed FIFO.
func (s *Store) DueTasks(ctx context.Context, now int64) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, target, target_id, due_at, recurring, interval_secs, claimed, claimed_by, claimed_at, attempts
		 FROM tasks WHERE claimed = 0 AND due_at <= ? ORDER BY id ASC`, now)
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

// ClaimTask attempts the atomic claimed 0->1 transition. Exactly one
// caller across all shards sees true for a given unclaimed task.
func (s *Store) ClaimTask(ctx context.Context, id int64, owner string, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET claimed = 1, claimed_by = ?, claimed_at = ? WHERE id = ? AND claimed = 0`,
		owner, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseTaskForRetry clears the claim, bumps the attempt counter, and
// returns the new count so the caller can cap retries. The due time is
// untouched, so the task is immediately due again.
func (s *Store) ReleaseTaskForRetry(ctx context.Context, id int64) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET claimed = 0, claimed_by = '', claimed_at = 0, attempts = attempts + 1 WHERE id = ?`,
		id); err != nil {
		return 0, err
	}
	var attempts int
	err := s.db.QueryRowContext(ctx, `SELECT attempts FROM tasks WHERE id = ?`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return attempts, err
}

func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

// RearmTask re-arms a recurring task: new due time, claim and attempt
// state reset.
func (s *Store) RearmTask(ctx context.Context, id int64, dueAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET due_at = ?, claimed = 0, claimed_by = '', claimed_at = 0, attempts = 0 WHERE id = ?`,
		dueAt, id)
	return err
}

// ReleaseStaleClaims clears claims whose lease started at or before the
// cutoff. A claim younger than the cutoff belongs to a shard that may
// legitimately still be running its handler and is left alone.
func (s *Store) ReleaseStaleClaims(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET claimed = 0, claimed_by = '', claimed_at = 0 WHERE claimed = 1 AND claimed_at <= ?`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReleaseAllClaims is crash recovery at startup: whatever was claimed
// when the previous process died becomes claimable again.
func (s *Store) ReleaseAllClaims(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET claimed = 0, claimed_by = '', claimed_at = 0 WHERE claimed = 1`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InstallRecurringTask force-replaces the task row for the key, so
// exactly one live recurring task exists regardless of prior state.
func (s *Store) InstallRecurringTask(ctx context.Context, kind task.Kind, target task.Target, targetID int64, firstDue int64, interval time.Duration) error {
	if err := s.CancelTasks(ctx, target, targetID, kind); err != nil {
		return err
	}
	return s.ScheduleTask(ctx, kind, target, targetID, firstDue, true, interval)
}

// GetTask fetches a task by its upsert key.
func (s *Store) GetTask(ctx context.Context, kind task.Kind, target task.Target, targetID int64) (task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, target, target_id, due_at, recurring, interval_secs, claimed, claimed_by, claimed_at, attempts
		 FROM tasks WHERE kind = ? AND target = ? AND target_id = ?`,
		string(kind), string(target), targetID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, ErrNotFound
	}
	return t, err
}

func (s *Store) CountTasks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (task.Task, error) {
	var (
		t                  task.Task
		kind, target       string
		recurring, claimed int
		intervalSecs       int64
	)
	err := r.Scan(&t.ID, &kind, &target, &t.TargetID, &t.DueAt, &recurring, &intervalSecs, &claimed, &t.ClaimedBy, &t.ClaimedAt, &t.Attempts)
	if err != nil {
		return task.Task{}, err
	}
	t.Kind = task.Kind(kind)
	t.Target = task.Target(target)
	t.Recurring = recurring != 0
	t.Claimed = claimed != 0
	t.Interval = time.Duration(intervalSecs) * time.Second
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
