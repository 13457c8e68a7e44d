// Package bootstrap assembles the common pieces every plugin binary
// wires identically: config, logging, the Redis client, the Job Store,
// and the Priority Scheduler. Each cmd/*-plugin/main.go builds a
// Runtime, then adds its own Processor and route extensions on top.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sonantica/plugin-runtime/internal/config"
	"github.com/sonantica/plugin-runtime/internal/jobstore"
	"github.com/sonantica/plugin-runtime/internal/obs"
	"github.com/sonantica/plugin-runtime/internal/redisclient"
	"github.com/sonantica/plugin-runtime/internal/scheduler"
	"github.com/sonantica/plugin-runtime/internal/workerpool"
)

// Runtime holds the dependencies shared by every plugin instance.
type Runtime struct {
	Cfg   *config.Config
	Log   *zap.Logger
	Redis *redis.Client
	Store *jobstore.Store
	Sched *scheduler.Scheduler
}

// New loads configuration from configPath, builds a logger, a pooled
// Redis client, and a Job Store namespaced to this plugin.
func New(configPath, namespace string) (*Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load config: %w", err)
	}
	log, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: init logger: %w", err)
	}
	rdb := redisclient.New(cfg)
	store := jobstore.New(rdb, namespace, cfg.Store.JobTTL)
	sched := scheduler.New()
	return &Runtime{Cfg: cfg, Log: log, Redis: rdb, Store: store, Sched: sched}, nil
}

// StartObservability starts the metrics server, the health/readiness
// server (with a Redis ping readiness check plus any extra checks), and
// the scheduler-depth gauge updater.
func (r *Runtime) StartObservability(ctx context.Context, extraChecks map[string]obs.ReadinessCheck) (metrics, health *http.Server) {
	metrics = obs.StartMetricsServer(r.Cfg.Observability.MetricsPort)

	checks := map[string]obs.ReadinessCheck{
		"redis": obs.DialCheck(func(c context.Context) error { return r.Redis.Ping(c).Err() }),
	}
	for name, check := range extraChecks {
		checks[name] = check
	}
	health = obs.StartHealthServer(":8081", checks)

	obs.StartSchedulerDepthUpdater(ctx, 5*time.Second, func() map[string]int {
		depths := make(map[string]int, len(r.Sched.Depths()))
		for priority, depth := range r.Sched.Depths() {
			depths[priorityLabel(priority)] = depth
		}
		return depths
	})
	return metrics, health
}

// Recover runs restart recovery against the active-set before workers
// start pulling from the scheduler.
func (r *Runtime) Recover(ctx context.Context, policy workerpool.RecoveryPolicy) error {
	return workerpool.Recover(ctx, r.Store, r.Sched, policy, r.Log)
}

// StartReconciliation schedules the Job Store's periodic active-set/status
// drift sweep at cfg.Store.ReconcileEvery.
func (r *Runtime) StartReconciliation(ctx context.Context) (*cron.Cron, error) {
	schedule := fmt.Sprintf("@every %s", r.Cfg.Store.ReconcileEvery)
	return r.Store.StartReconciliation(ctx, schedule, r.Log)
}

// Shutdown closes the Redis client and the scheduler's blocked waiters.
func (r *Runtime) Shutdown() {
	r.Sched.Close()
	_ = r.Redis.Close()
	_ = r.Log.Sync()
}

func priorityLabel(p int) string {
	switch {
	case p <= 0:
		return "streaming"
	case p <= 10:
		return "normal"
	default:
		return "low"
	}
}
