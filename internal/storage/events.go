package storage

import (
	"context"
	"database/sql"
	"errors"
)

// Event mirrors one events row. Word counts live in
// event_participants as absolute running totals per user.
type Event struct {
	ID             int64
	Guild          int64
	Channel        int64
	Title          string
	Description    string
	Image          string
	Colour         int64
	ScheduledStart int64
	ScheduledEnd   int64
	Started        int64
	Ended          int64
}

func (e Event) IsRunning() bool   { return e.Started > 0 && e.Ended == 0 }
func (e Event) IsEnded() bool     { return e.Ended > 0 }
func (e Event) IsScheduled() bool { return e.ScheduledStart > 0 }

type EventParticipant struct {
	Event int64
	User  int64
	Words int64
}

func (s *Store) CreateEvent(ctx context.Context, e *Event) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(guild, channel, title, description, image, colour, scheduled_start, scheduled_end, started, ended)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.Guild, e.Channel, e.Title, e.Description, e.Image, e.Colour, e.ScheduledStart, e.ScheduledEnd, e.Started, e.Ended)
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

const eventSelect = `SELECT id, guild, channel, title, description, image, colour, scheduled_start, scheduled_end, started, ended FROM events`

func (s *Store) EventByID(ctx context.Context, id int64) (Event, error) {
	return s.scanEvent(s.db.QueryRowContext(ctx, eventSelect+` WHERE id = ?`, id))
}

// CurrentEvent is the guild's event that has not ended yet.
func (s *Store) CurrentEvent(ctx context.Context, guild int64) (Event, error) {
	return s.scanEvent(s.db.QueryRowContext(ctx,
		eventSelect+` WHERE guild = ? AND ended = 0 ORDER BY id DESC`, guild))
}

// LastEndedEvent supports reporting on the most recently finished
// event once nothing is running.
func (s *Store) LastEndedEvent(ctx context.Context, guild int64) (Event, error) {
	return s.scanEvent(s.db.QueryRowContext(ctx,
		eventSelect+` WHERE guild = ? AND ended > 0 ORDER BY ended DESC`, guild))
}

func (s *Store) scanEvent(row *sql.Row) (Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.Guild, &e.Channel, &e.Title, &e.Description, &e.Image, &e.Colour, &e.ScheduledStart, &e.ScheduledEnd, &e.Started, &e.Ended)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return e, err
}

// UpdateEvent saves all mutable fields, last writer wins.
func (s *Store) UpdateEvent(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET channel=?, title=?, description=?, image=?, colour=?, scheduled_start=?, scheduled_end=?, started=?, ended=? WHERE id=?`,
		e.Channel, e.Title, e.Description, e.Image, e.Colour, e.ScheduledStart, e.ScheduledEnd, e.Started, e.Ended, e.ID)
	return err
}

// DeleteEvent removes the event row and all of its participants.
func (s *Store) DeleteEvent(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_participants WHERE event = ?`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	return err
}

// SetEventWords upserts a user's absolute running total.
func (s *Store) SetEventWords(ctx context.Context, event, user, words int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_participants(event, user, words) VALUES(?,?,?)
		 ON CONFLICT(event, user) DO UPDATE SET words=excluded.words`,
		event, user, words)
	return err
}

func (s *Store) EventWords(ctx context.Context, event, user int64) (int64, error) {
	var words int64
	err := s.db.QueryRowContext(ctx,
		`SELECT words FROM event_participants WHERE event = ? AND user = ?`, event, user).Scan(&words)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return words, err
}

// EventParticipants returns participants ordered by words descending.
// limit <= 0 means all.
func (s *Store) EventParticipants(ctx context.Context, event int64, limit int) ([]EventParticipant, error) {
	q := `SELECT event, user, words FROM event_participants WHERE event = ? ORDER BY words DESC, user ASC`
	args := []any{event}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventParticipant
	for rows.Next() {
		var p EventParticipant
		if err := rows.Scan(&p.Event, &p.User, &p.Words); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) EventTotalWords(ctx context.Context, event int64) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(words) FROM event_participants WHERE event = ?`, event).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}
