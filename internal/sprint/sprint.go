// Package sprint drives the collaborative writing sprint lifecycle:
// Created -> (optionally delayed) -> Running -> Ended (awaiting
// declarations) -> Completed. Ends and completions can arrive either
// from scheduled tasks or lazily from commands; every transition is
// written so replays are harmless.
package sprint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"writebot/internal/clock"
	"writebot/internal/notifier"
	"writebot/internal/storage"
	"writebot/internal/task"
)

// Validation errors surface to the command layer only; they never reach
// the scheduler.
var (
	ErrNoSprint       = errors.New("sprint: no sprint running on this server")
	ErrSprintExists   = errors.New("sprint: a sprint is already running on this server")
	ErrNotJoined      = errors.New("sprint: user is not taking part in this sprint")
	ErrBelowStarting  = errors.New("sprint: declared word count is below the starting word count")
	ErrCannotCancel   = errors.New("sprint: only the creator can cancel this sprint")
	ErrNotStartedYet  = errors.New("sprint: the sprint has not started yet")
	ErrAlreadyStarted = errors.New("sprint: the sprint has already started")
)

const (
	statStarted      = "sprints_started"
	statCompleted    = "sprints_completed"
	statWon          = "sprints_won"
	statSprintWords  = "sprints_words_written"
	statTotalWords   = "total_words_written"
	recordWPM        = "wpm"
	settingNotify    = "sprint_notify"
	settingEndDelay  = "sprint_delay_end"
	goalTypeDaily    = "daily"
	topRanksRewarded = 5
)

// Config carries the sprint bounds, in minutes.
type Config struct {
	DefaultLength int
	MaxLength     int
	DefaultDelay  int
	MaxDelay      int
	EndDelay      int
	MaxEndDelay   int
}

type Manager struct {
	store  *storage.Store
	clock  clock.Clock
	notify notifier.Notifier
	cfg    Config
	log    zerolog.Logger
}

func NewManager(store *storage.Store, clk clock.Clock, notify notifier.Notifier, cfg Config, log zerolog.Logger) *Manager {
	if cfg.DefaultLength <= 0 {
		cfg.DefaultLength = 20
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 60
	}
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = 2
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * 24
	}
	if cfg.EndDelay <= 0 {
		cfg.EndDelay = 2
	}
	if cfg.MaxEndDelay <= 0 {
		cfg.MaxEndDelay = 15
	}
	return &Manager{store: store, clock: clk, notify: notify, cfg: cfg, log: log}
}

// Create starts a sprint of lengthMinutes beginning delayMinutes from
// now. Out-of-range values fall back to the defaults rather than
// erroring, matching how the commands treat them. The creator joins
// automatically.
func (m *Manager) Create(ctx context.Context, guild, channel, createdBy int64, lengthMinutes, delayMinutes int) (storage.Sprint, error) {
	now := m.clock.Now().Unix()

	// A finished sprint still waiting on declarations blocks the guild
	// slot; complete it lazily first.
	if cur, err := m.store.ActiveSprint(ctx, guild); err == nil {
		if cur.IsFinished(now) {
			if err := m.Complete(ctx, cur); err != nil {
				return storage.Sprint{}, err
			}
		} else {
			return storage.Sprint{}, ErrSprintExists
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Sprint{}, err
	}

	if lengthMinutes <= 0 || lengthMinutes > m.cfg.MaxLength {
		lengthMinutes = m.cfg.DefaultLength
	}
	if delayMinutes < 0 || delayMinutes > m.cfg.MaxDelay {
		delayMinutes = m.cfg.DefaultDelay
	}

	startAt := now + int64(delayMinutes)*60
	endAt := startAt + int64(lengthMinutes)*60
	sp := storage.Sprint{
		Guild:        guild,
		Channel:      channel,
		StartAt:      startAt,
		EndAt:        endAt,
		EndReference: endAt, // fixed at creation; WPM uses this even if the end is forced early
		Length:       lengthMinutes,
		CreatedBy:    createdBy,
		CreatedAt:    now,
	}
	if err := m.store.CreateSprint(ctx, &sp); err != nil {
		return storage.Sprint{}, err
	}
	if err := m.Join(ctx, sp, createdBy, 0); err != nil {
		return storage.Sprint{}, err
	}
	if err := m.store.AddUserStat(ctx, createdBy, guild, statStarted, 1); err != nil {
		return storage.Sprint{}, err
	}

	// End fires via task either way; start is only a task when delayed.
	if err := m.store.ScheduleTask(ctx, task.KindEnd, task.TargetSprint, sp.ID, endAt, false, 0); err != nil {
		return storage.Sprint{}, err
	}

	if delayMinutes == 0 {
		if err := m.announceStart(ctx, sp); err != nil {
			m.log.Warn().Err(err).Int64("sprint", sp.ID).Msg("start announcement failed")
		}
	} else {
		if err := m.store.ScheduleTask(ctx, task.KindStart, task.TargetSprint, sp.ID, startAt, false, 0); err != nil {
			return storage.Sprint{}, err
		}
		if err := m.announceDelayedStart(ctx, sp); err != nil {
			m.log.Warn().Err(err).Int64("sprint", sp.ID).Msg("delayed start announcement failed")
		}
	}
	return sp, nil
}

// Join adds a user, or rewrites their baseline when they rejoin. Both
// starting and current word counts take the new value so the written
// delta cannot go negative against a higher rejoin baseline.
func (m *Manager) Join(ctx context.Context, sp storage.Sprint, user, startingWords int64) error {
	if _, err := m.store.SprintParticipant(ctx, sp.ID, user); err == nil {
		return m.store.SetParticipantBaseline(ctx, sp.ID, user, startingWords)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	// Pre-start joiners are time-aligned to the sprint start so their
	// WPM is computed over the real sprinting window.
	joinedAt := m.clock.Now().Unix()
	if joinedAt < sp.StartAt {
		joinedAt = sp.StartAt
	}
	return m.store.AddSprintParticipant(ctx, storage.SprintParticipant{
		Sprint:        sp.ID,
		User:          user,
		StartingWords: startingWords,
		CurrentWords:  startingWords,
		JoinedAt:      joinedAt,
	})
}

// Leave removes a participant. When the last participant walks away
// the sprint itself is cancelled.
func (m *Manager) Leave(ctx context.Context, sp storage.Sprint, user int64) error {
	if _, err := m.store.SprintParticipant(ctx, sp.ID, user); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotJoined
		}
		return err
	}
	if err := m.store.RemoveSprintParticipant(ctx, sp.ID, user); err != nil {
		return err
	}

	remaining, err := m.store.SprintParticipants(ctx, sp.ID)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}

	if err := m.discard(ctx, sp); err != nil {
		return err
	}
	if err := m.notify.Send(ctx, sp.Channel, notifier.Payload{
		Text: "The sprint has been cancelled as there is nobody left taking part.",
	}); err != nil {
		m.log.Warn().Err(err).Int64("sprint", sp.ID).Msg("cancel notice failed")
	}
	return nil
}

// Cancel deletes the sprint outright. Permission checks beyond "the
// creator may always cancel" belong to the command layer; pass force
// for users it has already authorised.
func (m *Manager) Cancel(ctx context.Context, sp storage.Sprint, byUser int64, force bool) error {
	if byUser != sp.CreatedBy && !force {
		return ErrCannotCancel
	}
	if err := m.discard(ctx, sp); err != nil {
		return err
	}
	if err := m.notify.Send(ctx, sp.Channel, notifier.Payload{Text: "The sprint has been cancelled."}); err != nil {
		m.log.Warn().Err(err).Int64("sprint", sp.ID).Msg("cancel notice failed")
	}
	return nil
}

// discard removes the sprint, its participants and any pending tasks,
// and gives the creator their started-count back.
func (m *Manager) discard(ctx context.Context, sp storage.Sprint) error {
	if err := m.store.DeleteSprint(ctx, sp.ID); err != nil {
		return err
	}
	if err := m.store.CancelTasks(ctx, task.TargetSprint, sp.ID); err != nil {
		return err
	}
	return m.store.AddUserStat(ctx, sp.CreatedBy, sp.Guild, statStarted, -1)
}

// Declare records a word count: the final one once the sprint has
// ended, the running one while it is still going. value is absolute
// unless delta is set, in which case it is applied to the current
// count. Once every participant has declared, the sprint completes
// immediately instead of waiting for the completion task.
func (m *Manager) Declare(ctx context.Context, sp storage.Sprint, user int64, value int64, delta bool) error {
	p, err := m.store.SprintParticipant(ctx, sp.ID, user)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotJoined
		}
		return err
	}

	words := value
	if delta {
		words = p.CurrentWords + value
	}
	if words < p.StartingWords {
		return ErrBelowStarting
	}

	now := m.clock.Now().Unix()
	if !sp.IsFinished(now) {
		return m.store.SetParticipantCurrentWords(ctx, sp.ID, user, words)
	}

	if err := m.store.SetParticipantEndingWords(ctx, sp.ID, user, words); err != nil {
		return err
	}
	undeclared, err := m.store.UndeclaredCount(ctx, sp.ID)
	if err != nil {
		return err
	}
	if undeclared == 0 {
		return m.Complete(ctx, sp)
	}
	return nil
}

// End closes the writing phase: the end time is zeroed (forcing
// IsFinished true for every later observer), declarations are asked
// for, and the completion task is scheduled after the guild's
// configured delay.
func (m *Manager) End(ctx context.Context, sp storage.Sprint) error {
	if err := m.store.MarkSprintEnded(ctx, sp.ID); err != nil {
		return err
	}

	delay := m.endDelayMinutes(ctx, sp.Guild)
	due := m.clock.Now().Unix() + int64(delay)*60
	if err := m.store.ScheduleTask(ctx, task.KindComplete, task.TargetSprint, sp.ID, due, false, 0); err != nil {
		return err
	}

	mentions, err := m.participantMentions(ctx, sp.ID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf(
		"Time is up, pens down! Declare your final word counts with the wc command. Results will be posted in %d minutes. %s",
		delay, strings.Join(mentions, ", "))
	return m.notify.Send(ctx, sp.Channel, notifier.Payload{Text: text})
}

// endDelayMinutes reads the guild's declaration window, clamped to the
// configured maximum. Unset or invalid values use the default.
func (m *Manager) endDelayMinutes(ctx context.Context, guild int64) int {
	raw, err := m.store.GuildSetting(ctx, guild, settingEndDelay)
	if err != nil || raw == "" {
		return m.cfg.EndDelay
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return m.cfg.EndDelay
	}
	if n > m.cfg.MaxEndDelay {
		return m.cfg.MaxEndDelay
	}
	return n
}

func (m *Manager) announceStart(ctx context.Context, sp storage.Sprint) error {
	mentions, err := m.participantMentions(ctx, sp.ID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("The sprint has started! You have %d minutes. Get writing! Taking part: %s",
		sp.Length, strings.Join(mentions, ", "))

	// Mention opted-in users who have not already joined.
	watchers, err := m.notifyList(ctx, sp)
	if err != nil {
		return err
	}
	if len(watchers) > 0 {
		text += " | New sprint alert: " + strings.Join(watchers, ", ")
	}
	return m.notify.Send(ctx, sp.Channel, notifier.Payload{Text: text})
}

func (m *Manager) announceDelayedStart(ctx context.Context, sp storage.Sprint) error {
	now := m.clock.Now().Unix()
	// Round up so a slightly late message shows the higher minute.
	mins := (sp.StartAt + 2 - now + 59) / 60
	text := fmt.Sprintf("A new sprint has been scheduled! It starts in %d minutes and runs for %d.", mins, sp.Length)

	watchers, err := m.notifyList(ctx, sp)
	if err != nil {
		return err
	}
	if len(watchers) > 0 {
		text += " | New sprint alert: " + strings.Join(watchers, ", ")
	}
	return m.notify.Send(ctx, sp.Channel, notifier.Payload{Text: text})
}

// notifyList is the opted-in users minus those already sprinting.
func (m *Manager) notifyList(ctx context.Context, sp storage.Sprint) ([]string, error) {
	optedIn, err := m.store.UsersWithSetting(ctx, sp.Guild, settingNotify, "1")
	if err != nil {
		return nil, err
	}
	participants, err := m.store.SprintParticipants(ctx, sp.ID)
	if err != nil {
		return nil, err
	}
	joined := make(map[int64]bool, len(participants))
	for _, p := range participants {
		joined[p.User] = true
	}
	var out []string
	for _, u := range optedIn {
		if !joined[u] {
			out = append(out, mention(u))
		}
	}
	return out, nil
}

func (m *Manager) participantMentions(ctx context.Context, sprintID int64) ([]string, error) {
	participants, err := m.store.SprintParticipants(ctx, sprintID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		out = append(out, mention(p.User))
	}
	return out, nil
}

func mention(user int64) string {
	return "@" + strconv.FormatInt(user, 10)
}

// SecondsUntilStart and SecondsLeft support the time command.
func (m *Manager) SecondsUntilStart(sp storage.Sprint) int64 {
	return sp.StartAt - m.clock.Now().Unix()
}

func (m *Manager) SecondsLeft(sp storage.Sprint) int64 {
	return sp.EndAt - m.clock.Now().Unix()
}
