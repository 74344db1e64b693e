// Package scheduler runs one shard's share of the persisted task
// queue. Every shard polls the same store on a fixed period; the
// conditional claim update in storage is the only cross-shard
// coordination. Claims carry this shard's id and a timestamp, and an
// hourly sweep releases claims whose lease has expired, so a shard
// crashing mid-handler costs at most the lease TTL in recovery
// latency.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"writebot/internal/clock"
	"writebot/internal/storage"
	"writebot/internal/task"
)

type Config struct {
	PollInterval    time.Duration
	CleanupInterval time.Duration
	ClaimTTL        time.Duration
	MaxAttempts     int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	return c
}

type Service struct {
	store    *storage.Store
	clock    clock.Clock
	registry *task.Registry
	log      zerolog.Logger
	shardID  string

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
}

func New(cfg Config, store *storage.Store, clk clock.Clock, registry *task.Registry, log zerolog.Logger) *Service {
	shard := uuid.NewString()
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		clock:    clk,
		registry: registry,
		log:      log.With().Str("shard", shard).Logger(),
		shardID:  shard,
	}
}

// ShardID is the lease owner id stamped into claims by this process.
func (s *Service) ShardID() string { return s.shardID }

// Start recovers claims a previous crash left behind, then begins the
// poll and cleanup loops. Idempotent; a second Start while running is
// a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	// Startup recovery: whatever was claimed when the last process on
	// this store died becomes claimable again before the loop begins.
	released, err := s.store.ReleaseAllClaims(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: startup claim recovery: %w", err)
	}
	if released > 0 {
		s.log.Info().Int64("released", released).Msg("recovered stuck claims from previous run")
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)
	return s.startCronLocked()
}

func (s *Service) startCronLocked() error {
	// SkipIfStillRunning keeps the poll non-reentrant within a shard:
	// one task at a time, sequentially.
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	runCtx := s.runCtx
	if _, err := c.AddFunc(everySpec(s.cfg.PollInterval), func() { s.pollOnce(runCtx) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(everySpec(s.cfg.CleanupInterval), func() { s.cleanupOnce(runCtx) }); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info().
		Dur("poll", s.cfg.PollInterval).
		Dur("cleanup", s.cfg.CleanupInterval).
		Dur("claim_ttl", s.cfg.ClaimTTL).
		Msg("scheduler started")
	return nil
}

// Apply picks up new intervals from a config reload. The cron is
// rebuilt only when an interval actually changed.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := cfg.PollInterval != s.cfg.PollInterval || cfg.CleanupInterval != s.cfg.CleanupInterval
	s.cfg = cfg
	if !changed || s.c == nil {
		return
	}
	ctxStop := s.c.Stop()
	<-ctxStop.Done()
	s.c = nil
	if err := s.startCronLocked(); err != nil {
		s.log.Error().Err(err).Msg("scheduler restart after config change failed")
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info().Msg("scheduler stopped")
}

func everySpec(d time.Duration) string {
	return "@every " + d.String()
}
