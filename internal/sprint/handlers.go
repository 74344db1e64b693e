package sprint

import (
	"context"
	"errors"

	"writebot/internal/storage"
	"writebot/internal/task"
)

// RegisterHandlers wires the sprint lifecycle transitions into the
// task dispatch table.
func (m *Manager) RegisterHandlers(reg *task.Registry) error {
	for kind, h := range map[task.Kind]task.HandlerFunc{
		task.KindStart:    m.handleStart,
		task.KindEnd:      m.handleEnd,
		task.KindComplete: m.handleComplete,
	} {
		if err := reg.Register(task.TargetSprint, kind, h); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) load(ctx context.Context, t task.Task) (storage.Sprint, task.Result, error) {
	sp, err := m.store.SprintByID(ctx, t.TargetID)
	if errors.Is(err, storage.ErrNotFound) {
		// Cancelled underneath the task; orphaned, not faulty.
		return storage.Sprint{}, task.TargetGone, nil
	}
	if err != nil {
		return storage.Sprint{}, task.RetryLater, err
	}
	return sp, task.Completed, nil
}

// handleStart posts the "sprint started" announcement for a delayed
// sprint once its start time arrives.
func (m *Manager) handleStart(ctx context.Context, t task.Task) (task.Result, error) {
	sp, res, err := m.load(ctx, t)
	if res != task.Completed {
		return res, err
	}
	if sp.IsComplete() {
		return task.Completed, nil
	}
	// No domain mutation here, so a delivery failure can simply retry.
	if err := m.announceStart(ctx, sp); err != nil {
		return task.RetryLater, err
	}
	return task.Completed, nil
}

// handleEnd closes the writing phase. Ending is idempotent (the end
// sentinel and the completion-task upsert can both be re-applied), so
// a delivery failure after the mutation is safe to retry.
func (m *Manager) handleEnd(ctx context.Context, t task.Task) (task.Result, error) {
	sp, res, err := m.load(ctx, t)
	if res != task.Completed {
		return res, err
	}
	if sp.IsComplete() {
		return task.Completed, nil
	}
	if err := m.End(ctx, sp); err != nil {
		return task.RetryLater, err
	}
	return task.Completed, nil
}

// handleComplete scores the sprint. The completed stamp inside
// Complete guards replays: a retry after a failed results post finds
// the sprint completed and reports success without re-scoring.
func (m *Manager) handleComplete(ctx context.Context, t task.Task) (task.Result, error) {
	sp, res, err := m.load(ctx, t)
	if res != task.Completed {
		return res, err
	}
	if err := m.Complete(ctx, sp); err != nil {
		return task.RetryLater, err
	}
	return task.Completed, nil
}
