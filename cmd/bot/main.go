package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"writebot/internal/clock"
	"writebot/internal/config"
	"writebot/internal/event"
	"writebot/internal/goal"
	"writebot/internal/logging"
	"writebot/internal/metrics"
	"writebot/internal/notifier"
	"writebot/internal/notifier/telegram"
	"writebot/internal/scheduler"
	"writebot/internal/sprint"
	"writebot/internal/storage"
	"writebot/internal/task"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	bootLog, _ := logging.New(logging.Config{Console: true})
	mgr := config.NewManager(cfgPath, bootLog)
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	busyWait, _ := cfg.Storage.BusyWait()
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyWait}, log.With().Str("comp", "storage").Logger())
	if err != nil {
		return err
	}
	defer store.Close()

	clk := clock.System{}

	var tgNotifier *telegram.Notifier
	var notify notifier.Notifier
	if cfg.Telegram.Enabled {
		tgNotifier, err = telegram.New(telegram.Config{
			Token:      cfg.Telegram.Token,
			RatePerSec: cfg.Telegram.RatePerSec,
		}, log.With().Str("comp", "telegram").Logger())
		if err != nil {
			return err
		}
		notify = tgNotifier
	} else {
		notify = logNotifier(log)
	}

	registry := task.NewRegistry()
	sprintMgr := sprint.NewManager(store, clk, notify, sprint.Config{
		DefaultLength: cfg.Sprint.DefaultLength,
		MaxLength:     cfg.Sprint.MaxLength,
		DefaultDelay:  cfg.Sprint.DefaultDelay,
		MaxDelay:      cfg.Sprint.MaxDelay,
		EndDelay:      cfg.Sprint.EndDelay,
		MaxEndDelay:   cfg.Sprint.MaxEndDelay,
	}, log.With().Str("comp", "sprint").Logger())
	eventMgr := event.NewManager(store, clk, notify, log.With().Str("comp", "event").Logger())

	resetEvery, _ := cfg.Goal.ResetEvery()
	goalMgr := goal.NewManager(store, clk, resetEvery, log.With().Str("comp", "goal").Logger())

	for _, register := range []func(*task.Registry) error{
		sprintMgr.RegisterHandlers,
		eventMgr.RegisterHandlers,
		goalMgr.RegisterHandlers,
	} {
		if err := register(registry); err != nil {
			return err
		}
	}

	// The single recurring goal-reset task is force-reinstalled every
	// boot, before the poll loop starts.
	if err := goalMgr.InstallResetTask(ctx); err != nil {
		return err
	}

	sched := scheduler.New(schedulerConfig(cfg), store, clk, registry, log.With().Str("comp", "scheduler").Logger())
	if err := sched.Start(ctx); err != nil {
		return err
	}

	metrics.Register()
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, log.With().Str("comp", "metrics").Logger()); err != nil {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	// Hot reload: poll/cleanup intervals and the send rate follow the
	// config file without a restart.
	updates := mgr.Subscribe(1)
	go func() {
		if err := mgr.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("config watcher exited")
		}
	}()
	go func() {
		for next := range updates {
			sched.Apply(schedulerConfig(next))
			if tgNotifier != nil {
				tgNotifier.Apply(telegram.Config{Token: next.Telegram.Token, RatePerSec: next.Telegram.RatePerSec})
			}
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info().Str("shard", sched.ShardID()).Msg("writebot started")

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	sched.Stop(stopCtx)
	return nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	poll, _ := cfg.Scheduler.PollEvery()
	cleanup, _ := cfg.Scheduler.CleanupEvery()
	ttl, _ := cfg.Scheduler.ClaimLease()
	return scheduler.Config{
		PollInterval:    poll,
		CleanupInterval: cleanup,
		ClaimTTL:        ttl,
		MaxAttempts:     cfg.Scheduler.Attempts(),
	}
}

// logNotifier is the fallback sink when no transport is configured:
// announcements land in the log. Handlers still see success, so task
// processing proceeds normally in transportless setups (tests, dev).
func logNotifier(log zerolog.Logger) notifier.Notifier {
	return notifier.Func(func(_ context.Context, channel int64, p notifier.Payload) error {
		log.Info().Int64("channel", channel).Str("text", p.Text).Msg("announcement (no transport)")
		return nil
	})
}
