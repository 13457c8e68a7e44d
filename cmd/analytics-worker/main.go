// Command analytics-worker runs the audio-analytics plugin: it ingests
// playback events over HTTP, durably upserts per-entity statistics
// (component H), and mirrors each event into the real-time counter
// surface in Redis. Unlike the other four plugins it has no job
// lifecycle of its own — no Job Store, no Scheduler, no Worker Pool —
// it is a pure event-sink, so it does not build a bootstrap.Runtime.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/sonantica/plugin-runtime/internal/analytics"
	"github.com/sonantica/plugin-runtime/internal/config"
	"github.com/sonantica/plugin-runtime/internal/obs"
	"github.com/sonantica/plugin-runtime/internal/redisclient"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/analytics-worker.yaml", "path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])
	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analytics-worker: load config: %v\n", err)
		os.Exit(1)
	}
	log, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analytics-worker: init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	rdb := redisclient.New(cfg)
	defer func() { _ = rdb.Close() }()

	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		log.Fatal("open postgres", zap.Error(err))
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agg := analytics.New(db, rdb, log)
	if err := agg.EnsureSchema(ctx); err != nil {
		log.Fatal("ensure analytics schema", zap.Error(err))
	}

	pruneSchedule := fmt.Sprintf("@every %s", cfg.Store.ReconcileEvery)
	if _, err := agg.StartPruning(ctx, pruneSchedule, log); err != nil {
		log.Warn("realtime counter pruning not started", zap.Error(err))
	}

	api := analytics.NewServer(analytics.ServerConfig{
		ListenAddr:   cfg.API.ListenAddr,
		Secret:       cfg.API.InternalSecret,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}, agg, log)

	metricsSrv := obs.StartMetricsServer(cfg.Observability.MetricsPort)
	healthSrv := obs.StartHealthServer(":8081", map[string]obs.ReadinessCheck{
		"redis":    obs.DialCheck(func(c context.Context) error { return rdb.Ping(c).Err() }),
		"postgres": obs.DialCheck(func(c context.Context) error { return db.PingContext(c) }),
	})
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
	defer func() { _ = healthSrv.Shutdown(context.Background()) }()

	go func() {
		if err := api.Start(); err != nil && err != http.ErrServerClosed {
			log.Error("analytics api exited", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.WriteTimeout)
	defer shutdownCancel()
	_ = api.Shutdown(shutdownCtx)
}
