package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"writebot/internal/metrics"
	"writebot/internal/task"
)

// pollOnce is one cycle: query due tasks FIFO, try to claim each, and
// dispatch the ones this shard wins. Store errors are transient; the
// cycle logs and moves on, leaving the task due for the next cycle.
func (s *Service) pollOnce(ctx context.Context) {
	metrics.PollCycles.Inc()
	now := s.clock.Now().Unix()

	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.log.Warn().Err(err).Msg("due query failed; will retry next cycle")
		return
	}
	metrics.DueBacklog.Set(float64(len(due)))

	for _, t := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}

		won, err := s.store.ClaimTask(ctx, t.ID, s.shardID, s.clock.Now().Unix())
		if err != nil {
			s.log.Warn().Err(err).Int64("task", t.ID).Msg("claim failed; will retry next cycle")
			continue
		}
		if !won {
			metrics.ClaimsLost.Inc()
			continue
		}
		metrics.TasksClaimed.Inc()
		s.dispatch(ctx, t)
	}
}

// dispatch resolves the handler and settles the task row according to
// the three-valued result. A panicking handler is contained here; it
// counts as a retryable failure so the poll loop keeps going.
func (s *Service) dispatch(ctx context.Context, t task.Task) {
	log := s.log.With().
		Int64("task", t.ID).
		Str("target", string(t.Target)).
		Str("kind", string(t.Kind)).
		Int64("target_id", t.TargetID).
		Logger()

	h, ok := s.registry.Lookup(t.Target, t.Kind)
	if !ok {
		// No handler can ever exist for this row; keeping it would
		// wedge the queue. Same terminal class as a vanished target.
		log.Error().Msg("no handler registered; deleting task")
		if err := s.store.DeleteTask(ctx, t.ID); err != nil {
			log.Warn().Err(err).Msg("orphan delete failed")
		}
		return
	}

	started := time.Now()
	res, err := s.runHandler(ctx, h, t)
	took := time.Since(started)
	metrics.TaskResults.WithLabelValues(string(t.Target), string(t.Kind), res.String()).Inc()

	switch res {
	case task.RetryLater:
		log.Warn().Err(err).Dur("took", took).Msg("task failed; releasing for retry")
		attempts, rerr := s.store.ReleaseTaskForRetry(ctx, t.ID)
		if rerr != nil {
			log.Warn().Err(rerr).Msg("release failed; cleanup sweep will recover the claim")
			return
		}
		if attempts >= s.maxAttempts() {
			log.Error().Int("attempts", attempts).Msg("retry budget exhausted; dropping task")
			if derr := s.store.DeleteTask(ctx, t.ID); derr != nil {
				log.Warn().Err(derr).Msg("drop failed")
			}
		}
	case task.TargetGone:
		log.Debug().Dur("took", took).Msg("target gone; deleting task")
		if derr := s.store.DeleteTask(ctx, t.ID); derr != nil {
			log.Warn().Err(derr).Msg("delete failed")
		}
	case task.Completed:
		if t.Recurring {
			next := s.clock.Now().Unix() + int64(t.Interval/time.Second)
			if rerr := s.store.RearmTask(ctx, t.ID, next); rerr != nil {
				log.Warn().Err(rerr).Msg("rearm failed; cleanup sweep will recover the claim")
				return
			}
			log.Debug().Dur("took", took).Int64("next_due", next).Msg("recurring task re-armed")
			return
		}
		log.Debug().Dur("took", took).Msg("task completed")
		if derr := s.store.DeleteTask(ctx, t.ID); derr != nil {
			log.Warn().Err(derr).Msg("delete failed")
		}
	}
}

func (s *Service) runHandler(ctx context.Context, h task.Handler, t task.Task) (res task.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Int64("task", t.ID).
				Any("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("panic in task handler")
			res = task.RetryLater
			err = nil
		}
	}()
	return h.Run(ctx, t)
}

// cleanupOnce releases expired claim leases: a shard that died
// mid-handler leaves its task claimed forever otherwise. Claims
// younger than the TTL belong to shards that may legitimately still be
// working and are not touched.
func (s *Service) cleanupOnce(ctx context.Context) {
	s.mu.Lock()
	ttl := s.cfg.ClaimTTL
	s.mu.Unlock()

	cutoff := s.clock.Now().Add(-ttl).Unix()
	released, err := s.store.ReleaseStaleClaims(ctx, cutoff)
	if err != nil {
		s.log.Warn().Err(err).Msg("stale claim sweep failed")
		return
	}
	if released > 0 {
		metrics.StaleClaimsReleased.Add(float64(released))
		s.log.Info().Int64("released", released).Msg("released expired claim leases")
	}
}

func (s *Service) maxAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxAttempts
}
