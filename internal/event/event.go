// Package event drives longer scheduled server writing events:
// Created -> (optionally scheduled) -> Running -> Ended. Word counts
// are absolute running totals per user, not sprint-style deltas.
package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"writebot/internal/clock"
	"writebot/internal/notifier"
	"writebot/internal/storage"
	"writebot/internal/task"
)

var (
	ErrNoEvent       = errors.New("event: no event exists on this server")
	ErrEventExists   = errors.New("event: an event already exists on this server")
	ErrBadSchedule   = errors.New("event: schedule times must be in the future with the end after the start")
	ErrNegativeWords = errors.New("event: word count cannot be negative")
)

// DefaultLeaderboardLimit bounds the mid-event leaderboard; the final
// one posted at the end is unlimited.
const DefaultLeaderboardLimit = 10

type Manager struct {
	store  *storage.Store
	clock  clock.Clock
	notify notifier.Notifier
	log    zerolog.Logger
}

func NewManager(store *storage.Store, clk clock.Clock, notify notifier.Notifier, log zerolog.Logger) *Manager {
	return &Manager{store: store, clock: clk, notify: notify, log: log}
}

// Create inserts a new event for the guild. Only one not-yet-ended
// event may exist per guild.
func (m *Manager) Create(ctx context.Context, guild, channel int64, title string) (storage.Event, error) {
	if _, err := m.store.CurrentEvent(ctx, guild); err == nil {
		return storage.Event{}, ErrEventExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Event{}, err
	}

	e := storage.Event{Guild: guild, Channel: channel, Title: title}
	if err := m.store.CreateEvent(ctx, &e); err != nil {
		return storage.Event{}, err
	}
	return e, nil
}

// Update saves field mutations (title, description, image, colour,
// channel) made by the command layer.
func (m *Manager) Update(ctx context.Context, e storage.Event) error {
	return m.store.UpdateEvent(ctx, e)
}

// Delete removes the event and any tasks pointed at it.
func (m *Manager) Delete(ctx context.Context, e storage.Event) error {
	if err := m.store.CancelTasks(ctx, task.TargetEvent, e.ID); err != nil {
		return err
	}
	return m.store.DeleteEvent(ctx, e.ID)
}

// Schedule books the start and end. Both instants must be in the
// future by the scheduler's clock (client clocks are not trusted) and
// the end must follow the start. Any previously scheduled tasks for
// this event are cancelled first.
func (m *Manager) Schedule(ctx context.Context, e storage.Event, startAt, endAt int64) error {
	now := m.clock.Now().Unix()
	if startAt <= now || endAt <= now || endAt <= startAt {
		return ErrBadSchedule
	}
	if err := m.store.CancelTasks(ctx, task.TargetEvent, e.ID); err != nil {
		return err
	}

	e.ScheduledStart = startAt
	e.ScheduledEnd = endAt
	if err := m.store.UpdateEvent(ctx, e); err != nil {
		return err
	}
	if err := m.store.ScheduleTask(ctx, task.KindStart, task.TargetEvent, e.ID, startAt, false, 0); err != nil {
		return err
	}
	return m.store.ScheduleTask(ctx, task.KindEnd, task.TargetEvent, e.ID, endAt, false, 0)
}

// Unschedule clears the booking and its tasks.
func (m *Manager) Unschedule(ctx context.Context, e storage.Event) error {
	e.ScheduledStart = 0
	e.ScheduledEnd = 0
	if err := m.store.UpdateEvent(ctx, e); err != nil {
		return err
	}
	return m.store.CancelTasks(ctx, task.TargetEvent, e.ID)
}

// Start stamps the running state and announces it. Already started or
// already ended events are left alone.
func (m *Manager) Start(ctx context.Context, e storage.Event) error {
	if e.Started > 0 || e.IsEnded() {
		return nil
	}
	e.Started = m.clock.Now().Unix()
	if err := m.store.UpdateEvent(ctx, e); err != nil {
		return err
	}
	return m.notify.Send(ctx, e.Channel, notifier.Payload{
		Text: fmt.Sprintf("%s has begun! Get writing!", e.Title),
	})
}

// End stamps the end and posts the final leaderboard. Idempotent.
func (m *Manager) End(ctx context.Context, e storage.Event) error {
	if e.IsEnded() {
		return nil
	}
	e.Ended = m.clock.Now().Unix()
	if err := m.store.UpdateEvent(ctx, e); err != nil {
		return err
	}

	board, err := m.Leaderboard(ctx, e, 0)
	if err != nil {
		return err
	}
	if err := m.notify.Send(ctx, e.Channel, notifier.Payload{
		Text: fmt.Sprintf("%s has ended! Congratulations to everyone who took part.", e.Title),
	}); err != nil {
		return err
	}
	return m.notify.Send(ctx, e.Channel, board)
}

// UpdateWordcount upserts a user's absolute running total.
func (m *Manager) UpdateWordcount(ctx context.Context, e storage.Event, user, amount int64) error {
	if amount < 0 {
		return ErrNegativeWords
	}
	return m.store.SetEventWords(ctx, e.ID, user, amount)
}

// Leaderboard builds the ranked totals payload. A limited view of a
// still-running event is labelled as partial in the footer; the final
// view carries no footer.
func (m *Manager) Leaderboard(ctx context.Context, e storage.Event, limit int) (notifier.Payload, error) {
	// Refresh running state; a stale copy passed in by a command must
	// not decide final-vs-partial.
	fresh, err := m.store.EventByID(ctx, e.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notifier.Payload{}, ErrNoEvent
		}
		return notifier.Payload{}, err
	}

	participants, err := m.store.EventParticipants(ctx, fresh.ID, limit)
	if err != nil {
		return notifier.Payload{}, err
	}

	rows := make([]string, 0, len(participants))
	for i, p := range participants {
		rows = append(rows, fmt.Sprintf("%d. @%d - %d words", i+1, p.User, p.Words))
	}

	embed := &notifier.Embed{
		Title:       fmt.Sprintf("%s leaderboard", fresh.Title),
		Description: fmt.Sprintf("Total word counts declared for %s", fresh.Title),
		ImageURL:    fresh.Image,
		Colour:      fresh.Colour,
		Rows:        rows,
	}
	if fresh.IsRunning() {
		embed.Description = fmt.Sprintf("Word counts declared so far for %s", fresh.Title)
		if limit > 0 {
			embed.Footer = fmt.Sprintf("Showing the top %d so far. The event is still running!", limit)
		}
	}
	return notifier.Payload{Embed: embed}, nil
}
