// Command embedding-plugin runs the audio-spectral embedding worker: it
// pulls jobs from the priority scheduler, invokes the external embedding
// model, and writes the resulting vector into the audio vector
// repository.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/sonantica/plugin-runtime/internal/backend"
	"github.com/sonantica/plugin-runtime/internal/bootstrap"
	"github.com/sonantica/plugin-runtime/internal/jobapi"
	"github.com/sonantica/plugin-runtime/internal/jobqueue"
	"github.com/sonantica/plugin-runtime/internal/manifest"
	"github.com/sonantica/plugin-runtime/internal/obs"
	"github.com/sonantica/plugin-runtime/internal/vectorstore"
	"github.com/sonantica/plugin-runtime/internal/workerpool"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/embedding-plugin.yaml", "path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])
	if showVersion {
		fmt.Println(version)
		return
	}

	rt, err := bootstrap.New(configPath, "embedding")
	if err != nil {
		fmt.Fprintf(os.Stderr, "embedding-plugin: %v\n", err)
		os.Exit(1)
	}
	defer rt.Shutdown()

	db, err := sql.Open("postgres", rt.Cfg.Postgres.URL)
	if err != nil {
		rt.Log.Fatal("open postgres", zap.Error(err))
	}
	db.SetMaxOpenConns(rt.Cfg.Postgres.MaxOpenConns)
	defer db.Close()

	vectors, err := vectorstore.New(db, "audio_spectral", rt.Cfg.Postgres.VectorRowCap)
	if err != nil {
		rt.Log.Fatal("build vector store", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := vectors.EnsureSchema(ctx); err != nil {
		rt.Log.Warn("ensure vector schema", zap.Error(err))
	}

	embedder := backend.NewEmbedder(rt.Cfg.Backend.ModelName, rt.Cfg.Backend.EmbedderPath)
	if err := embedder.Load(ctx); err != nil {
		rt.Log.Warn("embedder load", zap.Error(err))
	}

	proc := &embeddingProcessor{backend: embedder, vectors: vectors, log: rt.Log}
	pool := workerpool.New(workerpool.Config{
		Workers:      rt.Cfg.Worker.Count,
		Parallelism:  rt.Cfg.Worker.ParallelismGate,
		PickupJitter: rt.Cfg.Worker.PickupJitter,
		JobTimeout:   rt.Cfg.Worker.EmbeddingTimeout,
	}, rt.Sched, rt.Store, proc, rt.Log)

	// Embedding has no natural resume point mid-inference, so a job left
	// `processing` by a dead node is left alone for operator promotion.
	if err := rt.Recover(ctx, workerpool.LeaveProcessing); err != nil {
		rt.Log.Error("recovery", zap.Error(err))
	}

	if _, err := rt.StartReconciliation(ctx); err != nil {
		rt.Log.Warn("reconciliation sweep not started", zap.Error(err))
	}

	health := manifest.NewHealthReporter(embedder, pool.ActiveJobs, true)
	api := jobapi.New(jobapi.Config{
		ListenAddr:   rt.Cfg.API.ListenAddr,
		Secret:       rt.Cfg.API.InternalSecret,
		ListDefault:  rt.Cfg.API.ListDefault,
		ListMax:      rt.Cfg.API.ListMax,
		Modality:     jobqueue.ModalityEmbedding,
		AuditLogPath: rt.Cfg.API.AuditLogPath,
		ReadTimeout:  rt.Cfg.API.ReadTimeout,
		WriteTimeout: rt.Cfg.API.WriteTimeout,
		Manifest: func() any {
			return manifest.Capability{
				Modality:        string(jobqueue.ModalityEmbedding),
				ModelName:       rt.Cfg.Backend.ModelName,
				Concurrency:     rt.Cfg.Worker.Count,
				ParallelismGate: rt.Cfg.Worker.ParallelismGate,
			}
		},
		Health: func(c context.Context) (any, bool) { return health.Report() },
	}, rt.Store, rt.Sched, rt.Log)

	metricsSrv, healthSrv := rt.StartObservability(ctx, map[string]obs.ReadinessCheck{
		"postgres": obs.DialCheck(func(c context.Context) error { return db.PingContext(c) }),
	})
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

// embeddingProcessor drives the embedding back-end and mirrors a
// successful result into the audio vector repository. A vector-write
// failure logs and does not retract the job's completed status, per
// spec.md §7's eventual-consistency tolerance.
type embeddingProcessor struct {
	backend *backend.Embedder
	vectors *vectorstore.Store
	log     *zap.Logger
}

func (p *embeddingProcessor) Process(ctx context.Context, job jobqueue.Job) (any, error) {
	var in backend.EmbedInput
	if err := json.Unmarshal(job.InputDescriptor, &in); err != nil {
		return nil, backend.NewError(backend.KindDecodeFailed, err)
	}
	result, err := p.backend.Embed(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := p.vectors.Upsert(ctx, job.SubjectID, result.Vector, result.ModelVersion); err != nil {
		p.log.Warn("vector upsert failed after successful embed",
			zap.String("subject_id", job.SubjectID), zap.Error(err))
	}
	return result, nil
}
