package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"writebot/internal/clock"
	"writebot/internal/storage"
	"writebot/internal/task"
)

func newTestService(t *testing.T, cfg Config, reg *task.Registry) (*Service, *storage.Store, *clock.Fake) {
	t.Helper()
	s, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "writebot.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	clk := clock.NewFake(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	return New(cfg, s, clk, reg, zerolog.Nop()), s, clk
}

func mustRegister(t *testing.T, reg *task.Registry, target task.Target, kind task.Kind, fn task.HandlerFunc) {
	t.Helper()
	if err := reg.Register(target, kind, fn); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestPollCompletedTaskDeleted(t *testing.T) {
	reg := task.NewRegistry()
	var ran int
	mustRegister(t, reg, task.TargetSprint, task.KindEnd, func(context.Context, task.Task) (task.Result, error) {
		ran++
		return task.Completed, nil
	})
	svc, store, clk := newTestService(t, Config{}, reg)
	ctx := context.Background()

	if err := store.ScheduleTask(ctx, task.KindEnd, task.TargetSprint, 1, clk.Now().Unix(), false, 0); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	svc.pollOnce(ctx)

	if ran != 1 {
		t.Fatalf("handler ran %d times, want 1", ran)
	}
	if n, _ := store.CountTasks(ctx); n != 0 {
		t.Fatalf("completed one-shot task not deleted: %d remaining", n)
	}
}

func TestPollNotDueTaskUntouched(t *testing.T) {
	reg := task.NewRegistry()
	mustRegister(t, reg, task.TargetSprint, task.KindEnd, func(context.Context, task.Task) (task.Result, error) {
		t.Error("handler ran for a future task")
		return task.Completed, nil
	})
	svc, store, clk := newTestService(t, Config{}, reg)
	ctx := context.Background()

	if err := store.ScheduleTask(ctx, task.KindEnd, task.TargetSprint, 1, clk.Now().Unix()+60, false, 0); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	svc.pollOnce(ctx)

	if n, _ := store.CountTasks(ctx); n != 1 {
		t.Fatalf("future task disappeared: %d remaining", n)
	}
}

func TestPollRecurringRearm(t *testing.T) {
	reg := task.NewRegistry()
	mustRegister(t, reg, task.TargetGoal, task.KindReset, func(context.Context, task.Task) (task.Result, error) {
		return task.Completed, nil
	})
	svc, store, clk := newTestService(t, Config{}, reg)
	ctx := context.Background()

	if err := store.ScheduleTask(ctx, task.KindReset, task.TargetGoal, 0, clk.Now().Unix(), true, 15*time.Minute); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	svc.pollOnce(ctx)

	tk, err := store.GetTask(ctx, task.KindReset, task.TargetGoal, 0)
	if err != nil {
		t.Fatalf("recurring task gone after completion: %v", err)
	}
	if want := clk.Now().Unix() + 900; tk.DueAt != want {
		t.Errorf("rearmed due %d, want %d", tk.DueAt, want)
	}
	if tk.Claimed || tk.Attempts != 0 {
		t.Errorf("rearmed task keeps stale claim state: %+v", tk)
	}
}

func TestPollRetryThenDrop(t *testing.T) {
	reg := task.NewRegistry()
	var ran int
	mustRegister(t, reg, task.TargetSprint, task.KindComplete, func(context.Context, task.Task) (task.Result, error) {
		ran++
		return task.RetryLater, errors.New("notifier down")
	})
	svc, store, clk := newTestService(t, Config{MaxAttempts: 2}, reg)
	ctx := context.Background()

	if err := store.ScheduleTask(ctx, task.KindComplete, task.TargetSprint, 3, clk.Now().Unix(), false, 0); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	// First failure releases the task with one attempt on the clock.
	svc.pollOnce(ctx)
	tk, err := store.GetTask(ctx, task.KindComplete, task.TargetSprint, 3)
	if err != nil {
		t.Fatalf("task dropped too early: %v", err)
	}
	if tk.Claimed || tk.Attempts != 1 {
		t.Fatalf("expected released task with 1 attempt, got %+v", tk)
	}

	// Second failure exhausts the budget and the task is dropped.
	svc.pollOnce(ctx)
	if _, err := store.GetTask(ctx, task.KindComplete, task.TargetSprint, 3); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("task survived its retry budget: %v", err)
	}
	if ran != 2 {
		t.Errorf("handler ran %d times, want 2", ran)
	}
}

func TestPollTargetGoneDeletes(t *testing.T) {
	reg := task.NewRegistry()
	mustRegister(t, reg, task.TargetSprint, task.KindEnd, func(context.Context, task.Task) (task.Result, error) {
		return task.TargetGone, nil
	})
	svc, store, clk := newTestService(t, Config{}, reg)
	ctx := context.Background()

	if err := store.ScheduleTask(ctx, task.KindEnd, task.TargetSprint, 404, clk.Now().Unix(), false, 0); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	svc.pollOnce(ctx)

	if n, _ := store.CountTasks(ctx); n != 0 {
		t.Fatalf("orphaned task not deleted: %d remaining", n)
	}
}

func TestPollUnknownHandlerDeletes(t *testing.T) {
	svc, store, clk := newTestService(t, Config{}, task.NewRegistry())
	ctx := context.Background()

	if err := store.ScheduleTask(ctx, task.KindEnd, task.TargetSprint, 1, clk.Now().Unix(), false, 0); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	svc.pollOnce(ctx)

	if n, _ := store.CountTasks(ctx); n != 0 {
		t.Fatalf("unroutable task left in queue: %d remaining", n)
	}
}

func TestPollFIFOOrder(t *testing.T) {
	reg := task.NewRegistry()
	var order []int64
	mustRegister(t, reg, task.TargetSprint, task.KindEnd, func(_ context.Context, tk task.Task) (task.Result, error) {
		order = append(order, tk.TargetID)
		return task.Completed, nil
	})
	svc, store, clk := newTestService(t, Config{}, reg)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		if err := store.ScheduleTask(ctx, task.KindEnd, task.TargetSprint, id, clk.Now().Unix(), false, 0); err != nil {
			t.Fatalf("ScheduleTask: %v", err)
		}
	}
	svc.pollOnce(ctx)

	if len(order) != 3 {
		t.Fatalf("handled %d tasks, want 3", len(order))
	}
	for i, id := range order {
		if id != int64(i+1) {
			t.Fatalf("tasks handled out of insertion order: %v", order)
		}
	}
}

func TestPollPanicIsRetryable(t *testing.T) {
	reg := task.NewRegistry()
	mustRegister(t, reg, task.TargetSprint, task.KindEnd, func(context.Context, task.Task) (task.Result, error) {
		panic("boom")
	})
	svc, store, clk := newTestService(t, Config{}, reg)
	ctx := context.Background()

	if err := store.ScheduleTask(ctx, task.KindEnd, task.TargetSprint, 1, clk.Now().Unix(), false, 0); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	svc.pollOnce(ctx)

	tk, err := store.GetTask(ctx, task.KindEnd, task.TargetSprint, 1)
	if err != nil {
		t.Fatalf("task dropped after panic: %v", err)
	}
	if tk.Claimed || tk.Attempts != 1 {
		t.Fatalf("panic not treated as retryable failure: %+v", tk)
	}
}

func TestCleanupReleasesOnlyExpiredLeases(t *testing.T) {
	svc, store, clk := newTestService(t, Config{ClaimTTL: time.Hour}, task.NewRegistry())
	ctx := context.Background()

	for id := int64(1); id <= 2; id++ {
		if err := store.ScheduleTask(ctx, task.KindEnd, task.TargetSprint, id, clk.Now().Unix(), false, 0); err != nil {
			t.Fatalf("ScheduleTask: %v", err)
		}
	}
	old, _ := store.GetTask(ctx, task.KindEnd, task.TargetSprint, 1)
	fresh, _ := store.GetTask(ctx, task.KindEnd, task.TargetSprint, 2)

	// One claim from a shard that died two hours ago, one live claim.
	if won, err := store.ClaimTask(ctx, old.ID, "dead-shard", clk.Now().Unix()-7200); err != nil || !won {
		t.Fatalf("ClaimTask (old): won=%v err=%v", won, err)
	}
	if won, err := store.ClaimTask(ctx, fresh.ID, "live-shard", clk.Now().Unix()); err != nil || !won {
		t.Fatalf("ClaimTask (fresh): won=%v err=%v", won, err)
	}

	svc.cleanupOnce(ctx)

	old, _ = store.GetTask(ctx, task.KindEnd, task.TargetSprint, 1)
	fresh, _ = store.GetTask(ctx, task.KindEnd, task.TargetSprint, 2)
	if old.Claimed {
		t.Error("expired lease not released")
	}
	if !fresh.Claimed || fresh.ClaimedBy != "live-shard" {
		t.Errorf("live lease disturbed: %+v", fresh)
	}
}

func TestStartRecoversAbandonedClaims(t *testing.T) {
	svc, store, clk := newTestService(t, Config{}, task.NewRegistry())
	ctx := context.Background()

	if err := store.ScheduleTask(ctx, task.KindEnd, task.TargetSprint, 1, clk.Now().Unix(), false, 0); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	tk, _ := store.GetTask(ctx, task.KindEnd, task.TargetSprint, 1)
	if won, err := store.ClaimTask(ctx, tk.ID, "previous-process", clk.Now().Unix()); err != nil || !won {
		t.Fatalf("ClaimTask: won=%v err=%v", won, err)
	}

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Stop(stopCtx)
	}()

	tk, err := store.GetTask(ctx, task.KindEnd, task.TargetSprint, 1)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if tk.Claimed {
		t.Fatalf("claim from previous run not recovered: %+v", tk)
	}
}
