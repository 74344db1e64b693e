package event

import (
	"context"
	"errors"

	"writebot/internal/storage"
	"writebot/internal/task"
)

// RegisterHandlers wires the event transitions into the task dispatch
// table.
func (m *Manager) RegisterHandlers(reg *task.Registry) error {
	if err := reg.Register(task.TargetEvent, task.KindStart, task.HandlerFunc(m.handleStart)); err != nil {
		return err
	}
	return reg.Register(task.TargetEvent, task.KindEnd, task.HandlerFunc(m.handleEnd))
}

func (m *Manager) load(ctx context.Context, t task.Task) (storage.Event, task.Result, error) {
	e, err := m.store.EventByID(ctx, t.TargetID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted underneath the task; orphaned, not faulty.
		return storage.Event{}, task.TargetGone, nil
	}
	if err != nil {
		return storage.Event{}, task.RetryLater, err
	}
	return e, task.Completed, nil
}

// Start/End are idempotent in the manager, so a retry after a failed
// announcement re-runs them without re-stamping.
func (m *Manager) handleStart(ctx context.Context, t task.Task) (task.Result, error) {
	e, res, err := m.load(ctx, t)
	if res != task.Completed {
		return res, err
	}
	if err := m.Start(ctx, e); err != nil {
		return task.RetryLater, err
	}
	return task.Completed, nil
}

func (m *Manager) handleEnd(ctx context.Context, t task.Task) (task.Result, error) {
	e, res, err := m.load(ctx, t)
	if res != task.Completed {
		return res, err
	}
	if err := m.End(ctx, e); err != nil {
		return task.RetryLater, err
	}
	return task.Completed, nil
}
