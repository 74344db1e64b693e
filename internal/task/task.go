// Package task defines the persisted unit of deferred work and the
// dispatch table that maps it to lifecycle handlers.
//
// A task is keyed by (kind, target, target id); scheduling the same key
// twice updates the due time instead of inserting a duplicate. Claiming
// is done in storage with a conditional update, which is the only
// cross-shard mutual-exclusion primitive in the system.
package task

import (
	"context"
	"fmt"
	"time"
)

type Kind string

const (
	KindStart    Kind = "start"
	KindEnd      Kind = "end"
	KindComplete Kind = "complete"
	KindReset    Kind = "reset"
)

type Target string

const (
	TargetSprint Target = "sprint"
	TargetEvent  Target = "event"
	TargetGoal   Target = "goal"
)

// Task mirrors one row of the tasks collection. Times are unix seconds.
type Task struct {
	ID        int64
	Kind      Kind
	Target    Target
	TargetID  int64
	DueAt     int64
	Recurring bool
	Interval  time.Duration
	Claimed   bool
	ClaimedBy string
	ClaimedAt int64
	Attempts  int
}

// Result is the outcome a handler reports back to the scheduler.
type Result int

const (
	// Completed: work done; delete the task (or re-arm if recurring).
	Completed Result = iota
	// RetryLater: transient failure; release the claim so another
	// cycle (possibly on another shard) picks the task up again.
	RetryLater
	// TargetGone: the referenced record no longer exists. Terminal,
	// same as Completed but never counts as a failure.
	TargetGone
)

func (r Result) String() string {
	switch r {
	case Completed:
		return "completed"
	case RetryLater:
		return "retry"
	case TargetGone:
		return "target_gone"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Handler executes one lifecycle transition for a claimed task.
//
// The error return is for logging only; the Result decides what the
// scheduler does with the task row.
type Handler interface {
	Run(ctx context.Context, t Task) (Result, error)
}

type HandlerFunc func(ctx context.Context, t Task) (Result, error)

func (f HandlerFunc) Run(ctx context.Context, t Task) (Result, error) { return f(ctx, t) }

// Registry is the (target, kind) dispatch table. It is populated once
// during startup wiring and read-only afterwards, so lookups need no
// locking.
type Registry struct {
	handlers map[Target]map[Kind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[Target]map[Kind]Handler{}}
}

func (r *Registry) Register(target Target, kind Kind, h Handler) error {
	if h == nil {
		return fmt.Errorf("task: nil handler for %s/%s", target, kind)
	}
	m, ok := r.handlers[target]
	if !ok {
		m = map[Kind]Handler{}
		r.handlers[target] = m
	}
	if _, dup := m[kind]; dup {
		return fmt.Errorf("task: duplicate handler for %s/%s", target, kind)
	}
	m[kind] = h
	return nil
}

func (r *Registry) Lookup(target Target, kind Kind) (Handler, bool) {
	m, ok := r.handlers[target]
	if !ok {
		return nil, false
	}
	h, ok := m[kind]
	return h, ok
}
