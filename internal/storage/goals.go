package storage

import (
	"context"
	"database/sql"
	"errors"
)

// Goal mirrors one goals row: a per-user recurring word target that
// rolls over at ResetAt.
type Goal struct {
	User      int64
	Type      string
	Target    int64
	Current   int64
	Completed bool
	ResetAt   int64
}

// SetGoal creates or retargets a goal. An existing goal keeps its
// current progress and reset instant; only the target changes.
func (s *Store) SetGoal(ctx context.Context, user int64, goalType string, target, resetAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO goals(user, type, target, current, completed, reset_at)
		 VALUES(?,?,?,0,0,?)
		 ON CONFLICT(user, type) DO UPDATE SET target=excluded.target`,
		user, goalType, target, resetAt)
	return err
}

func (s *Store) GetGoal(ctx context.Context, user int64, goalType string) (Goal, error) {
	var (
		g         Goal
		completed int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user, type, target, current, completed, reset_at FROM goals WHERE user = ? AND type = ?`,
		user, goalType).Scan(&g.User, &g.Type, &g.Target, &g.Current, &completed, &g.ResetAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Goal{}, ErrNotFound
	}
	g.Completed = completed != 0
	return g, err
}

func (s *Store) DeleteGoal(ctx context.Context, user int64, goalType string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM goals WHERE user = ? AND type = ?`, user, goalType)
	return err
}

// DueGoals returns every goal whose rollover instant has passed.
func (s *Store) DueGoals(ctx context.Context, now int64) ([]Goal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user, type, target, current, completed, reset_at FROM goals WHERE reset_at <= ?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Goal
	for rows.Next() {
		var (
			g         Goal
			completed int
		)
		if err := rows.Scan(&g.User, &g.Type, &g.Target, &g.Current, &completed, &g.ResetAt); err != nil {
			return nil, err
		}
		g.Completed = completed != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

// ResetGoal rolls a goal over: progress cleared, next instant set.
func (s *Store) ResetGoal(ctx context.Context, user int64, goalType string, nextReset int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE goals SET current = 0, completed = 0, reset_at = ? WHERE user = ? AND type = ?`,
		nextReset, user, goalType)
	return err
}

// AddGoalProgress adds words to a goal and reports whether this
// crossing newly completed it. Progress past the target keeps
// accumulating; completion fires once per period.
func (s *Store) AddGoalProgress(ctx context.Context, user int64, goalType string, words int64) (completed bool, err error) {
	g, err := s.GetGoal(ctx, user, goalType)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	g.Current += words
	newlyCompleted := !g.Completed && g.Current >= g.Target
	_, err = s.db.ExecContext(ctx,
		`UPDATE goals SET current = ?, completed = ? WHERE user = ? AND type = ?`,
		g.Current, boolInt(g.Completed || newlyCompleted), user, goalType)
	return newlyCompleted, err
}
