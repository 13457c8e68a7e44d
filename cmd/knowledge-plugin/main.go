// Command knowledge-plugin runs the LLM enrichment worker: it calls an
// Ollama-compatible generative endpoint, gated by a circuit breaker, to
// produce a free-form enrichment record for a subject.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sonantica/plugin-runtime/internal/backend"
	"github.com/sonantica/plugin-runtime/internal/bootstrap"
	"github.com/sonantica/plugin-runtime/internal/jobapi"
	"github.com/sonantica/plugin-runtime/internal/jobqueue"
	"github.com/sonantica/plugin-runtime/internal/manifest"
	"github.com/sonantica/plugin-runtime/internal/obs"
	"github.com/sonantica/plugin-runtime/internal/workerpool"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/knowledge-plugin.yaml", "path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])
	if showVersion {
		fmt.Println(version)
		return
	}

	rt, err := bootstrap.New(configPath, "enrichment")
	if err != nil {
		fmt.Fprintf(os.Stderr, "knowledge-plugin: %v\n", err)
		os.Exit(1)
	}
	defer rt.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cb := backend.NewCircuitBreaker(rt.Cfg.CircuitBreaker.Window, rt.Cfg.CircuitBreaker.CooldownPeriod,
		rt.Cfg.CircuitBreaker.FailureThreshold, rt.Cfg.CircuitBreaker.MinSamples)
	go reportBreakerState(ctx, cb)

	enricher := backend.NewEnricher(rt.Cfg.Backend.OllamaHost, rt.Cfg.Backend.LLMModel, cb)
	_ = enricher.Load(ctx)

	proc := &enrichmentProcessor{backend: enricher, timeout: rt.Cfg.Worker.EnrichmentTimeout}
	pool := workerpool.New(workerpool.Config{
		Workers:      rt.Cfg.Worker.Count,
		Parallelism:  rt.Cfg.Worker.ParallelismGate,
		PickupJitter: rt.Cfg.Worker.PickupJitter,
		JobTimeout:   rt.Cfg.Worker.EnrichmentTimeout,
	}, rt.Sched, rt.Store, proc, rt.Log)

	// Enrichment calls are idempotent and cheap to retry from scratch, so
	// a job a dead node left `processing` is safe to re-dispatch.
	if err := rt.Recover(ctx, workerpool.DemoteProcessing); err != nil {
		rt.Log.Error("recovery", zap.Error(err))
	}

	if _, err := rt.StartReconciliation(ctx); err != nil {
		rt.Log.Warn("reconciliation sweep not started", zap.Error(err))
	}

	health := manifest.NewHealthReporter(enricher, pool.ActiveJobs, false)
	api := jobapi.New(jobapi.Config{
		ListenAddr:   rt.Cfg.API.ListenAddr,
		Secret:       rt.Cfg.API.InternalSecret,
		ListDefault:  rt.Cfg.API.ListDefault,
		ListMax:      rt.Cfg.API.ListMax,
		Modality:     jobqueue.ModalityEnrichment,
		AuditLogPath: rt.Cfg.API.AuditLogPath,
		ReadTimeout:  rt.Cfg.API.ReadTimeout,
		WriteTimeout: rt.Cfg.API.WriteTimeout,
		Manifest: func() any {
			return manifest.Capability{
				Modality:        string(jobqueue.ModalityEnrichment),
				ModelName:       rt.Cfg.Backend.LLMModel,
				Concurrency:     rt.Cfg.Worker.Count,
				ParallelismGate: rt.Cfg.Worker.ParallelismGate,
			}
		},
		Health: func(c context.Context) (any, bool) { return health.Report() },
	}, rt.Store, rt.Sched, rt.Log)

	metricsSrv, healthSrv := rt.StartObservability(ctx, nil)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
	defer func() { _ = healthSrv.Shutdown(context.Background()) }()

	go pool.Run(ctx)

	go func() {
		if err := api.Start(); err != nil && err != http.ErrServerClosed {
			rt.Log.Error("job api exited", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	rt.Log.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), rt.Cfg.API.WriteTimeout)
	defer shutdownCancel()
	_ = api.Shutdown(shutdownCtx)
}

// reportBreakerState mirrors the circuit breaker's state onto its gauge,
// since the breaker has no change callback to push updates with.
func reportBreakerState(ctx context.Context, cb *backend.CircuitBreaker) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		obs.CircuitBreakerState.Set(float64(cb.State()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// enrichmentProcessor drives the Enricher back-end with the configured
// per-call timeout.
type enrichmentProcessor struct {
	backend *backend.Enricher
	timeout time.Duration
}

func (p *enrichmentProcessor) Process(ctx context.Context, job jobqueue.Job) (any, error) {
	var in backend.EnrichInput
	if err := json.Unmarshal(job.InputDescriptor, &in); err != nil {
		return nil, backend.NewError(backend.KindUpstreamError, err)
	}
	in.SubjectID = job.SubjectID
	return p.backend.Enrich(ctx, in, p.timeout)
}
