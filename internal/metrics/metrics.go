// Package metrics exposes scheduler counters over Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	PollCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writebot_poll_cycles_total",
		Help: "Poll cycles run by this shard",
	})
	TasksClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writebot_tasks_claimed_total",
		Help: "Due tasks this shard won the claim for",
	})
	ClaimsLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writebot_claims_lost_total",
		Help: "Due tasks another shard claimed first",
	})
	TaskResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "writebot_task_results_total",
		Help: "Handler outcomes by result",
	}, []string{"target", "kind", "result"})
	StaleClaimsReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writebot_stale_claims_released_total",
		Help: "Claims released by the cleanup sweep",
	})
	DueBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "writebot_due_backlog",
		Help: "Due tasks observed at the start of the last poll cycle",
	})
)

// Register installs the collectors. Call once from main.
func Register() {
	prometheus.MustRegister(PollCycles, TasksClaimed, ClaimsLost, TaskResults, StaleClaimsReleased, DueBacklog)
}

// Serve runs the /metrics listener until ctx is done.
func Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics listener started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
