// Package goal manages per-user recurring word targets. Progress is
// incremented by writing activity elsewhere (sprint completion); this
// package owns creation, checking, and the recurring midnight rollover.
package goal

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"writebot/internal/clock"
	"writebot/internal/storage"
	"writebot/internal/task"
)

var (
	ErrNoGoal    = errors.New("goal: no goal set")
	ErrBadAmount = errors.New("goal: target must be a positive number")
)

// TypeDaily is the only goal type currently supported.
const TypeDaily = "daily"

const (
	day             = 24 * time.Hour
	settingTimezone = "timezone"
)

// DefaultResetInterval is how often the recurring reset task scans for
// due rollovers.
const DefaultResetInterval = 15 * time.Minute

type Manager struct {
	store    *storage.Store
	clock    clock.Clock
	interval time.Duration
	log      zerolog.Logger
}

func NewManager(store *storage.Store, clk clock.Clock, resetInterval time.Duration, log zerolog.Logger) *Manager {
	if resetInterval <= 0 {
		resetInterval = DefaultResetInterval
	}
	return &Manager{store: store, clock: clk, interval: resetInterval, log: log}
}

// Set creates or retargets the user's daily goal. The first rollover
// lands on the next midnight in the user's configured timezone
// (default UTC); existing goals keep their progress and anchor.
func (m *Manager) Set(ctx context.Context, user, target int64) error {
	if target <= 0 {
		return ErrBadAmount
	}
	resetAt, err := m.nextMidnight(ctx, user)
	if err != nil {
		return err
	}
	return m.store.SetGoal(ctx, user, TypeDaily, target, resetAt)
}

func (m *Manager) Cancel(ctx context.Context, user int64) error {
	return m.store.DeleteGoal(ctx, user, TypeDaily)
}

// Progress describes how far along the current period is.
type Progress struct {
	Current   int64
	Target    int64
	Percent   int
	Completed bool
}

func (m *Manager) Check(ctx context.Context, user int64) (Progress, error) {
	g, err := m.store.GetGoal(ctx, user, TypeDaily)
	if errors.Is(err, storage.ErrNotFound) {
		return Progress{}, ErrNoGoal
	}
	if err != nil {
		return Progress{}, err
	}
	p := Progress{Current: g.Current, Target: g.Target, Completed: g.Completed}
	if g.Target > 0 {
		p.Percent = int(g.Current * 100 / g.Target)
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	return p, nil
}

// Timezones are stored as a guild-independent user setting (guild 0).
func (m *Manager) nextMidnight(ctx context.Context, user int64) (int64, error) {
	loc := time.UTC
	if tz, err := m.store.UserSetting(ctx, user, 0, settingTimezone); err != nil {
		return 0, err
	} else if strings.TrimSpace(tz) != "" {
		if parsed, err := time.LoadLocation(strings.TrimSpace(tz)); err == nil {
			loc = parsed
		}
	}
	now := m.clock.Now().In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).Add(day)
	return midnight.Unix(), nil
}

// InstallResetTask force-installs the single recurring reset task:
// delete-then-recreate so exactly one live row exists no matter what
// state a crash left behind.
func (m *Manager) InstallResetTask(ctx context.Context) error {
	firstDue := m.clock.Now().Add(m.interval).Unix()
	return m.store.InstallRecurringTask(ctx, task.KindReset, task.TargetGoal, 0, firstDue, m.interval)
}

// RegisterHandlers wires the reset scan into the task dispatch table.
func (m *Manager) RegisterHandlers(reg *task.Registry) error {
	return reg.Register(task.TargetGoal, task.KindReset, task.HandlerFunc(m.handleReset))
}

// handleReset rolls over every goal whose reset instant has passed.
// The next instant is anchored on the previous one, not on "now", so
// slow poll cycles cannot accumulate drift; if the process was down
// for longer than a day the anchor advances by whole days until it is
// in the future again, producing one reset rather than a burst.
func (m *Manager) handleReset(ctx context.Context, _ task.Task) (task.Result, error) {
	now := m.clock.Now().Unix()
	due, err := m.store.DueGoals(ctx, now)
	if err != nil {
		return task.RetryLater, err
	}
	for _, g := range due {
		next := g.ResetAt + int64(day/time.Second)
		for next <= now {
			next += int64(day / time.Second)
		}
		if err := m.store.ResetGoal(ctx, g.User, g.Type, next); err != nil {
			return task.RetryLater, err
		}
		m.log.Debug().Int64("user", g.User).Int64("next_reset", next).Msg("goal reset")
	}
	return task.Completed, nil
}
