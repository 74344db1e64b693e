package sprint

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"writebot/internal/clock"
	"writebot/internal/notifier"
	"writebot/internal/storage"
	"writebot/internal/task"
)

const (
	testGuild   = int64(1)
	testChannel = int64(10)
)

type fakeNotifier struct {
	mu       sync.Mutex
	payloads []notifier.Payload
	err      error
}

func (f *fakeNotifier) Send(_ context.Context, _ int64, p notifier.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, p)
	return nil
}

func (f *fakeNotifier) last(t *testing.T) notifier.Payload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		t.Fatal("no notifications sent")
	}
	return f.payloads[len(f.payloads)-1]
}

func newTestManager(t *testing.T) (*Manager, *storage.Store, *clock.Fake, *fakeNotifier) {
	t.Helper()
	s, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "writebot.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	clk := clock.NewFake(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	fn := &fakeNotifier{}
	m := NewManager(s, clk, fn, Config{}, zerolog.Nop())
	return m, s, clk, fn
}

func TestCompleteScoring(t *testing.T) {
	m, s, clk, fn := newTestManager(t)
	ctx := context.Background()

	sp, err := m.Create(ctx, testGuild, testChannel, 1, 20, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The creator auto-joined at zero; rejoining rewrites the baseline.
	if err := m.Join(ctx, sp, 1, 100); err != nil {
		t.Fatalf("Join (rejoin): %v", err)
	}
	p, err := s.SprintParticipant(ctx, sp.ID, 1)
	if err != nil {
		t.Fatalf("SprintParticipant: %v", err)
	}
	if p.StartingWords != 100 || p.CurrentWords != 100 {
		t.Fatalf("rejoin baseline not applied: %+v", p)
	}

	if err := m.Join(ctx, sp, 2, 0); err != nil {
		t.Fatalf("Join user 2: %v", err)
	}
	if err := m.Join(ctx, sp, 3, 50); err != nil {
		t.Fatalf("Join user 3: %v", err)
	}

	// Mid-sprint declarations only move the running count.
	if err := m.Declare(ctx, sp, 1, 120, false); err != nil {
		t.Fatalf("Declare (running): %v", err)
	}
	if err := m.Declare(ctx, sp, 1, 90, false); !errors.Is(err, ErrBelowStarting) {
		t.Fatalf("expected ErrBelowStarting, got %v", err)
	}
	if err := m.Declare(ctx, sp, 4, 10, false); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
	if done, err := s.SprintByID(ctx, sp.ID); err != nil || done.IsComplete() {
		t.Fatalf("sprint completed early: %v %v", done.CompletedAt, err)
	}

	// Let the sprint run out, then declare finals. User 3 declares no
	// progress and scores nothing; once the last declaration lands the
	// sprint completes without waiting for the scheduled task.
	clk.Advance(20*time.Minute + time.Second)
	if err := m.Declare(ctx, sp, 1, 150, false); err != nil {
		t.Fatalf("Declare user 1: %v", err)
	}
	if err := m.Declare(ctx, sp, 2, 80, true); err != nil {
		t.Fatalf("Declare user 2: %v", err)
	}
	if err := m.Declare(ctx, sp, 3, 50, false); err != nil {
		t.Fatalf("Declare user 3: %v", err)
	}

	done, err := s.SprintByID(ctx, sp.ID)
	if err != nil {
		t.Fatalf("SprintByID: %v", err)
	}
	if !done.IsComplete() {
		t.Fatal("sprint not completed after final declaration")
	}

	// User 2 wrote 80 and wins (+25 completion, +100 first place); user
	// 1 wrote 50 for second (+25, +50); user 3 gets nothing.
	for _, tc := range []struct {
		user int64
		xp   int64
	}{
		{1, 75}, {2, 125}, {3, 0},
	} {
		got, err := s.UserXP(ctx, tc.user, testGuild)
		if err != nil {
			t.Fatalf("UserXP(%d): %v", tc.user, err)
		}
		if got != tc.xp {
			t.Errorf("user %d xp = %d, want %d", tc.user, got, tc.xp)
		}
	}
	if won, _ := s.UserStat(ctx, 2, testGuild, "sprints_won"); won != 1 {
		t.Errorf("winner missing sprints_won, got %d", won)
	}
	if won, _ := s.UserStat(ctx, 1, testGuild, "sprints_won"); won != 0 {
		t.Errorf("runner-up has sprints_won %d", won)
	}
	if completed, _ := s.UserStat(ctx, 3, testGuild, "sprints_completed"); completed != 0 {
		t.Errorf("non-scorer has sprints_completed %d", completed)
	}

	// 50 words over the 20-minute window: 2.5 wpm, a first record.
	best, has, err := s.UserRecord(ctx, 1, testGuild, "wpm")
	if err != nil || !has {
		t.Fatalf("UserRecord: has=%v err=%v", has, err)
	}
	if best != 2.5 {
		t.Errorf("wpm record = %v, want 2.5", best)
	}

	last := fn.last(t)
	if last.Embed == nil || len(last.Embed.Rows) != 2 {
		t.Fatalf("unexpected results payload: %+v", last)
	}
	if !strings.Contains(last.Embed.Rows[0], "@2") || !strings.Contains(last.Embed.Rows[1], "@1") {
		t.Errorf("results not ranked by words: %v", last.Embed.Rows)
	}
	if !strings.Contains(last.Embed.Rows[1], "NEW PB!") {
		t.Errorf("record not flagged: %v", last.Embed.Rows)
	}

	// No task may outlive completion.
	if n, _ := s.CountTasks(ctx); n != 0 {
		t.Errorf("%d tasks left after completion", n)
	}

	// A replayed completion scores nothing twice.
	if err := m.Complete(ctx, sp); err != nil {
		t.Fatalf("Complete (replay): %v", err)
	}
	if got, _ := s.UserXP(ctx, 2, testGuild); got != 125 {
		t.Errorf("replayed completion changed xp: %d", got)
	}
}

func TestCreateBlocksSecondSprint(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, testGuild, testChannel, 1, 20, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(ctx, testGuild, testChannel, 2, 20, 0); !errors.Is(err, ErrSprintExists) {
		t.Fatalf("expected ErrSprintExists, got %v", err)
	}
}

func TestCreateLazilyCompletesFinishedSprint(t *testing.T) {
	m, s, clk, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, testGuild, testChannel, 1, 20, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The first sprint has long since ended but nothing completed it.
	clk.Advance(2 * time.Hour)
	second, err := m.Create(ctx, testGuild, testChannel, 2, 20, 0)
	if err != nil {
		t.Fatalf("Create (second): %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a fresh sprint")
	}
	old, err := s.SprintByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("SprintByID: %v", err)
	}
	if !old.IsComplete() {
		t.Fatal("stale sprint not completed")
	}
}

func TestCreateDelayedSchedulesStart(t *testing.T) {
	m, s, clk, fn := newTestManager(t)
	ctx := context.Background()

	sp, err := m.Create(ctx, testGuild, testChannel, 1, 20, 5)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	now := clk.Now().Unix()
	if sp.StartAt != now+300 || sp.EndAt != sp.StartAt+1200 {
		t.Fatalf("bad sprint times: %+v", sp)
	}

	start, err := s.GetTask(ctx, task.KindStart, task.TargetSprint, sp.ID)
	if err != nil {
		t.Fatalf("start task missing: %v", err)
	}
	if start.DueAt != sp.StartAt {
		t.Errorf("start task due %d, want %d", start.DueAt, sp.StartAt)
	}
	end, err := s.GetTask(ctx, task.KindEnd, task.TargetSprint, sp.ID)
	if err != nil {
		t.Fatalf("end task missing: %v", err)
	}
	if end.DueAt != sp.EndAt {
		t.Errorf("end task due %d, want %d", end.DueAt, sp.EndAt)
	}
	if !strings.Contains(fn.last(t).Text, "scheduled") {
		t.Errorf("expected delayed start announcement, got %q", fn.last(t).Text)
	}
}

func TestLeaveLastParticipantCancels(t *testing.T) {
	m, s, _, fn := newTestManager(t)
	ctx := context.Background()

	sp, err := m.Create(ctx, testGuild, testChannel, 5, 20, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Leave(ctx, sp, 5); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if _, err := s.ActiveSprint(ctx, testGuild); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("sprint survived last leaver: %v", err)
	}
	if n, _ := s.CountTasks(ctx); n != 0 {
		t.Errorf("%d tasks left after cancellation", n)
	}
	if started, _ := s.UserStat(ctx, 5, testGuild, "sprints_started"); started != 0 {
		t.Errorf("started stat not returned, got %d", started)
	}
	if !strings.Contains(fn.last(t).Text, "cancelled") {
		t.Errorf("expected cancellation notice, got %q", fn.last(t).Text)
	}
}

func TestCancelPermissions(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	sp, err := m.Create(ctx, testGuild, testChannel, 1, 20, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Cancel(ctx, sp, 2, false); !errors.Is(err, ErrCannotCancel) {
		t.Fatalf("expected ErrCannotCancel, got %v", err)
	}
	if err := m.Cancel(ctx, sp, 2, true); err != nil {
		t.Fatalf("Cancel (forced): %v", err)
	}
}

func TestEndSchedulesCompletion(t *testing.T) {
	m, s, clk, fn := newTestManager(t)
	ctx := context.Background()

	sp, err := m.Create(ctx, testGuild, testChannel, 1, 20, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The guild asked for a 100-minute declaration window; it is clamped
	// to the maximum.
	if err := s.SetGuildSetting(ctx, testGuild, "sprint_delay_end", "100"); err != nil {
		t.Fatalf("SetGuildSetting: %v", err)
	}
	if err := m.End(ctx, sp); err != nil {
		t.Fatalf("End: %v", err)
	}

	ended, err := s.SprintByID(ctx, sp.ID)
	if err != nil {
		t.Fatalf("SprintByID: %v", err)
	}
	if !ended.IsFinished(clk.Now().Unix()) {
		t.Fatal("ended sprint not finished for observers")
	}

	tk, err := s.GetTask(ctx, task.KindComplete, task.TargetSprint, sp.ID)
	if err != nil {
		t.Fatalf("completion task missing: %v", err)
	}
	if want := clk.Now().Unix() + 15*60; tk.DueAt != want {
		t.Errorf("completion due %d, want %d", tk.DueAt, want)
	}
	if !strings.Contains(fn.last(t).Text, "pens down") {
		t.Errorf("expected end announcement, got %q", fn.last(t).Text)
	}
}

func TestCompleteWithNoScorers(t *testing.T) {
	m, _, clk, fn := newTestManager(t)
	ctx := context.Background()

	sp, err := m.Create(ctx, testGuild, testChannel, 1, 20, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clk.Advance(21 * time.Minute)
	if err := m.Complete(ctx, sp); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !strings.Contains(fn.last(t).Text, "nobody logged any words") {
		t.Errorf("expected empty results notice, got %q", fn.last(t).Text)
	}
}

func TestCalculateWPM(t *testing.T) {
	for _, tc := range []struct {
		words, seconds int64
		want           float64
	}{
		{50, 1200, 2.5},
		{80, 1200, 4},
		{100, 0, 0},
		{1, 1200, 0.1},
	} {
		if got := calculateWPM(tc.words, tc.seconds); got != tc.want {
			t.Errorf("calculateWPM(%d, %d) = %v, want %v", tc.words, tc.seconds, got, tc.want)
		}
	}
}
