// Command stem-plugin runs the per-stem audio separation worker: it
// invokes the external Demucs-class separation model and reports the
// output path for each requested stem.
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

	"go.uber.org/zap"

	"github.com/sonantica/plugin-runtime/internal/backend"
	"github.com/sonantica/plugin-runtime/internal/bootstrap"
	"github.com/sonantica/plugin-runtime/internal/jobapi"
	"github.com/sonantica/plugin-runtime/internal/jobqueue"
	"github.com/sonantica/plugin-runtime/internal/manifest"
	"github.com/sonantica/plugin-runtime/internal/workerpool"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/stem-plugin.yaml", "path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])
	if showVersion {
		fmt.Println(version)
		return
	}

	rt, err := bootstrap.New(configPath, "stem-separation")
	if err != nil {
		fmt.Fprintf(os.Stderr, "stem-plugin: %v\n", err)
		os.Exit(1)
	}
	defer rt.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	separator := backend.NewSeparator(rt.Cfg.Backend.SeparatorPath)
	if err := separator.Load(ctx); err != nil {
		rt.Log.Warn("separator load", zap.Error(err))
	}

	proc := &stemProcessor{backend: separator, mediaRoot: rt.Cfg.Backend.MediaPath}
	pool := workerpool.New(workerpool.Config{
		Workers:      rt.Cfg.Worker.Count,
		Parallelism:  rt.Cfg.Worker.ParallelismGate,
		PickupJitter: rt.Cfg.Worker.PickupJitter,
		JobTimeout:   rt.Cfg.Worker.SeparationTimeout,
	}, rt.Sched, rt.Store, proc, rt.Log)

	// Separation has no natural resume point mid-inference either.
	if err := rt.Recover(ctx, workerpool.LeaveProcessing); err != nil {
		rt.Log.Error("recovery", zap.Error(err))
	}

	if _, err := rt.StartReconciliation(ctx); err != nil {
		rt.Log.Warn("reconciliation sweep not started", zap.Error(err))
	}

	health := manifest.NewHealthReporter(separator, pool.ActiveJobs, true)
	api := jobapi.New(jobapi.Config{
		ListenAddr:   rt.Cfg.API.ListenAddr,
		Secret:       rt.Cfg.API.InternalSecret,
		ListDefault:  rt.Cfg.API.ListDefault,
		ListMax:      rt.Cfg.API.ListMax,
		Modality:     jobqueue.ModalityStemSep,
		AuditLogPath: rt.Cfg.API.AuditLogPath,
		ReadTimeout:  rt.Cfg.API.ReadTimeout,
		WriteTimeout: rt.Cfg.API.WriteTimeout,
		Manifest: func() any {
			return manifest.Capability{
				Modality:        string(jobqueue.ModalityStemSep),
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

// stemProcessor drives the separator back-end, defaulting the output
// directory under mediaRoot when the request doesn't name one.
type stemProcessor struct {
	backend   *backend.Separator
	mediaRoot string
}

func (p *stemProcessor) Process(ctx context.Context, job jobqueue.Job) (any, error) {
	var in backend.SeparateInput
	if err := json.Unmarshal(job.InputDescriptor, &in); err != nil {
		return nil, backend.NewError(backend.KindIOFailed, err)
	}
	if in.OutputDir == "" {
		in.OutputDir = p.mediaRoot + "/stems/" + job.SubjectID
	}
	return p.backend.Separate(ctx, in)
}
