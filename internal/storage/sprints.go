package storage

import (
	"context"
	"database/sql"
	"errors"
)

// Sprint mirrors one sprints row. Times are unix seconds; EndAt is
// forced to 0 when a sprint is ended early, while EndReference keeps
// the end time fixed at creation so WPM stays fair.
type Sprint struct {
	ID           int64
	Guild        int64
	Channel      int64
	StartAt      int64
	EndAt        int64
	EndReference int64
	Length       int // minutes
	CreatedBy    int64
	CreatedAt    int64
	CompletedAt  int64
}

func (s Sprint) HasStarted(now int64) bool { return s.StartAt <= now }

// IsFinished reports whether the writing phase is over. The EndAt=0
// sentinel set by an early end makes this unconditionally true.
func (s Sprint) IsFinished(now int64) bool { return now > s.EndAt }

func (s Sprint) IsComplete() bool { return s.CompletedAt != 0 }

type SprintParticipant struct {
	Sprint        int64
	User          int64
	StartingWords int64
	CurrentWords  int64
	EndingWords   int64
	JoinedAt      int64
}

func (s *Store) CreateSprint(ctx context.Context, sp *Sprint) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sprints(guild, channel, start_at, end_at, end_reference, length_minutes, created_by, created_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,0)`,
		sp.Guild, sp.Channel, sp.StartAt, sp.EndAt, sp.EndReference, sp.Length, sp.CreatedBy, sp.CreatedAt)
	if err != nil {
		return err
	}
	sp.ID, err = res.LastInsertId()
	return err
}

// ActiveSprint is the guild's single not-yet-completed sprint.
func (s *Store) ActiveSprint(ctx context.Context, guild int64) (Sprint, error) {
	return s.scanSprint(s.db.QueryRowContext(ctx,
		sprintSelect+` WHERE guild = ? AND completed_at = 0`, guild))
}

func (s *Store) SprintByID(ctx context.Context, id int64) (Sprint, error) {
	return s.scanSprint(s.db.QueryRowContext(ctx, sprintSelect+` WHERE id = ?`, id))
}

const sprintSelect = `SELECT id, guild, channel, start_at, end_at, end_reference, length_minutes, created_by, created_at, completed_at FROM sprints`

func (s *Store) scanSprint(row *sql.Row) (Sprint, error) {
	var sp Sprint
	err := row.Scan(&sp.ID, &sp.Guild, &sp.Channel, &sp.StartAt, &sp.EndAt, &sp.EndReference, &sp.Length, &sp.CreatedBy, &sp.CreatedAt, &sp.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Sprint{}, ErrNotFound
	}
	return sp, err
}

// MarkSprintEnded zeroes the end time, forcing IsFinished true.
func (s *Store) MarkSprintEnded(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sprints SET end_at = 0 WHERE id = ?`, id)
	return err
}

func (s *Store) MarkSprintCompleted(ctx context.Context, id, now int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sprints SET completed_at = ? WHERE id = ?`, now, id)
	return err
}

// DeleteSprint removes the sprint row and all of its participants.
func (s *Store) DeleteSprint(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sprint_participants WHERE sprint = ?`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sprints WHERE id = ?`, id)
	return err
}

func (s *Store) AddSprintParticipant(ctx context.Context, p SprintParticipant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sprint_participants(sprint, user, starting_words, current_words, ending_words, joined_at)
		 VALUES(?,?,?,?,0,?)`,
		p.Sprint, p.User, p.StartingWords, p.CurrentWords, p.JoinedAt)
	return err
}

func (s *Store) RemoveSprintParticipant(ctx context.Context, sprint, user int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sprint_participants WHERE sprint = ? AND user = ?`, sprint, user)
	return err
}

func (s *Store) SprintParticipant(ctx context.Context, sprint, user int64) (SprintParticipant, error) {
	var p SprintParticipant
	err := s.db.QueryRowContext(ctx,
		`SELECT sprint, user, starting_words, current_words, ending_words, joined_at
		 FROM sprint_participants WHERE sprint = ? AND user = ?`, sprint, user).
		Scan(&p.Sprint, &p.User, &p.StartingWords, &p.CurrentWords, &p.EndingWords, &p.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SprintParticipant{}, ErrNotFound
	}
	return p, err
}

func (s *Store) SprintParticipants(ctx context.Context, sprint int64) ([]SprintParticipant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sprint, user, starting_words, current_words, ending_words, joined_at
		 FROM sprint_participants WHERE sprint = ? ORDER BY user ASC`, sprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SprintParticipant
	for rows.Next() {
		var p SprintParticipant
		if err := rows.Scan(&p.Sprint, &p.User, &p.StartingWords, &p.CurrentWords, &p.EndingWords, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetParticipantBaseline rewrites both starting and current word count,
// used when an already-joined user re-joins with a new baseline so the
// written delta cannot go negative.
func (s *Store) SetParticipantBaseline(ctx context.Context, sprint, user, words int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sprint_participants SET starting_words = ?, current_words = ? WHERE sprint = ? AND user = ?`,
		words, words, sprint, user)
	return err
}

func (s *Store) SetParticipantCurrentWords(ctx context.Context, sprint, user, words int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sprint_participants SET current_words = ? WHERE sprint = ? AND user = ?`,
		words, sprint, user)
	return err
}

func (s *Store) SetParticipantEndingWords(ctx context.Context, sprint, user, words int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sprint_participants SET ending_words = ? WHERE sprint = ? AND user = ?`,
		words, sprint, user)
	return err
}

// UndeclaredCount is the number of participants still to declare a
// final word count.
func (s *Store) UndeclaredCount(ctx context.Context, sprint int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sprint_participants WHERE sprint = ? AND ending_words = 0`, sprint).Scan(&n)
	return n, err
}
