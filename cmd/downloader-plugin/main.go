// Command downloader-plugin runs the external-source download worker: it
// supervises a yt-dlp/spotdl-class subprocess, tracks download progress,
// and exposes the source catalog lookup and pause/resume extension
// routes the other plugins don't need.
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
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/sonantica/plugin-runtime/internal/backend"
	"github.com/sonantica/plugin-runtime/internal/bootstrap"
	"github.com/sonantica/plugin-runtime/internal/jobapi"
	"github.com/sonantica/plugin-runtime/internal/jobqueue"
	"github.com/sonantica/plugin-runtime/internal/jobstore"
	"github.com/sonantica/plugin-runtime/internal/manifest"
	"github.com/sonantica/plugin-runtime/internal/recommend"
	"github.com/sonantica/plugin-runtime/internal/scheduler"
	"github.com/sonantica/plugin-runtime/internal/vectorstore"
	"github.com/sonantica/plugin-runtime/internal/workerpool"
)

// recommendModalities lists the vector tables the recommendation engine
// fuses across, keyed by the short modality name clients use in a
// request's weights map (spec.md §6's `POST /recommendations` example:
// `weights:{audio:1, lyrics:1}`).
var recommendModalities = map[string]string{
	"audio":  "audio_spectral",
	"lyrics": "lyrics_semantic",
	"visual": "visual_aesthetic",
}

// buildRecommender opens its own Postgres handle (independent of any
// modality-specific vector store a different plugin owns) and assembles
// a recommend.Engine over every modality table in recommendModalities.
// catalog lookups are left nil: the external relational catalog that
// would resolve artist/album ids is out of scope for this runtime (see
// spec.md §1 Non-goals), so artist/album aggregation in recommend.Engine
// simply yields no entries rather than failing the request.
func buildRecommender(url string, maxOpenConns, rowCap int) (*recommend.Engine, error) {
	if url == "" {
		return nil, fmt.Errorf("postgres url is empty")
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	stores := make(map[string]*vectorstore.Store, len(recommendModalities))
	for name, modality := range recommendModalities {
		store, err := vectorstore.New(db, modality, rowCap)
		if err != nil {
			return nil, fmt.Errorf("build %s vector store: %w", name, err)
		}
		stores[name] = store
	}
	return recommend.New(stores, nil), nil
}

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/downloader-plugin.yaml", "path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])
	if showVersion {
		fmt.Println(version)
		return
	}

	rt, err := bootstrap.New(configPath, "download")
	if err != nil {
		fmt.Fprintf(os.Stderr, "downloader-plugin: %v\n", err)
		os.Exit(1)
	}
	defer rt.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	downloader := backend.NewDownloader(rt.Cfg.Backend.DownloaderPath, rt.Cfg.Backend.DownloadsPath, rt.Cfg.Backend.DownloadMinRate)
	if err := downloader.Load(ctx); err != nil {
		rt.Log.Warn("downloader load", zap.Error(err))
	}

	proc := &downloadProcessor{backend: downloader, store: rt.Store}
	pool := workerpool.New(workerpool.Config{
		Workers:      rt.Cfg.Worker.Count,
		Parallelism:  rt.Cfg.Worker.ParallelismGate,
		PickupJitter: rt.Cfg.Worker.PickupJitter,
		JobTimeout:   rt.Cfg.Worker.DownloadTimeout,
	}, rt.Sched, rt.Store, proc, rt.Log)

	// The source downloader explicitly re-dispatches on resume: a job a
	// dead node left `processing` goes back to `pending`.
	if err := rt.Recover(ctx, workerpool.DemoteProcessing); err != nil {
		rt.Log.Error("recovery", zap.Error(err))
	}

	if _, err := rt.StartReconciliation(ctx); err != nil {
		rt.Log.Warn("reconciliation sweep not started", zap.Error(err))
	}

	health := manifest.NewHealthReporter(downloader, pool.ActiveJobs, false)
	api := jobapi.New(jobapi.Config{
		ListenAddr:   rt.Cfg.API.ListenAddr,
		Secret:       rt.Cfg.API.InternalSecret,
		ListDefault:  rt.Cfg.API.ListDefault,
		ListMax:      rt.Cfg.API.ListMax,
		Modality:     jobqueue.ModalityDownload,
		AuditLogPath: rt.Cfg.API.AuditLogPath,
		ReadTimeout:  rt.Cfg.API.ReadTimeout,
		WriteTimeout: rt.Cfg.API.WriteTimeout,
		EnableList:   true,
		Manifest: func() any {
			return manifest.Capability{
				Modality:        string(jobqueue.ModalityDownload),
				Concurrency:     rt.Cfg.Worker.Count,
				ParallelismGate: rt.Cfg.Worker.ParallelismGate,
			}
		},
		Health: func(c context.Context) (any, bool) { return health.Report() },
	}, rt.Store, rt.Sched, rt.Log)

	recommender, err := buildRecommender(rt.Cfg.Postgres.URL, rt.Cfg.Postgres.MaxOpenConns, rt.Cfg.Postgres.VectorRowCap)
	if err != nil {
		rt.Log.Warn("recommendation engine unavailable", zap.Error(err))
	}

	ext := &downloadExtensions{store: rt.Store, sched: rt.Sched, backend: downloader, recommender: recommender, log: rt.Log}
	ext.register(api.Router())

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

// downloadProcessor drives the Downloader back-end, persisting progress
// callbacks onto the job record so status polls see live percentage.
type downloadProcessor struct {
	backend *backend.Downloader
	store   *jobstore.Store
}

func (p *downloadProcessor) Process(ctx context.Context, job jobqueue.Job) (any, error) {
	var in backend.DownloadInput
	if err := json.Unmarshal(job.InputDescriptor, &in); err != nil {
		return nil, backend.NewError(backend.KindIOFailed, err)
	}
	onProgress := func(pr backend.Progress) {
		latest, err := p.store.Get(ctx, job.ID)
		if err != nil || latest.Status != jobqueue.StatusProcessing {
			return
		}
		latest.Progress = pr.Fraction
		latest.UpdatedAt = time.Now().UTC()
		_ = p.store.Save(ctx, latest)
	}
	return p.backend.Download(ctx, in, onProgress)
}

// downloadExtensions implements the downloader-only routes: catalog
// lookup and the pause/resume/cancel trio over the same job abstraction
// the core Job API already exposes.
type downloadExtensions struct {
	store       *jobstore.Store
	sched       *scheduler.Scheduler
	backend     *backend.Downloader
	recommender *recommend.Engine
	log         *zap.Logger
}

func (e *downloadExtensions) register(r *mux.Router) {
	r.HandleFunc("/identify", e.handleIdentify).Methods(http.MethodGet)
	r.HandleFunc("/downloads/{id}/cancel", e.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/downloads/{id}/pause", e.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/downloads/{id}/resume", e.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/recommendations", e.handleRecommend).Methods(http.MethodPost)
}

// recommendRequest is the POST /recommendations wire shape from spec.md §6.
type recommendRequest struct {
	SubjectID string             `json:"subject_id,omitempty"`
	Limit     int                `json:"limit"`
	Diversity float64            `json:"diversity"`
	Weights   map[string]float64 `json:"weights"`
}

func (e *downloadExtensions) handleRecommend(w http.ResponseWriter, r *http.Request) {
	if e.recommender == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store-unavailable"})
		return
	}
	var req recommendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation"})
		return
	}
	entries, err := e.recommender.Recommend(r.Context(), recommend.Request{
		SubjectID: req.SubjectID,
		Weights:   req.Weights,
		Limit:     req.Limit,
		Diversity: req.Diversity,
	})
	if err != nil {
		e.log.Warn("recommend failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store-unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (e *downloadExtensions) handleIdentify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	results, err := e.backend.Identify(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleCancel requests cooperative termination of the in-flight
// subprocess and transitions the job to cancelled, same as the core
// DELETE /jobs/{id} route but kept as an alias under /downloads for
// clients already speaking the source service's route shape.
func (e *downloadExtensions) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := e.transition(w, r.Context(), id, func(j *jobqueue.Job) bool {
		if j.Status != jobqueue.StatusPending && j.Status != jobqueue.StatusProcessing {
			return false
		}
		j.Status = jobqueue.StatusCancelled
		return true
	})
	if !ok {
		return
	}
	e.backend.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": string(job.Status)})
}

// handlePause kills the in-flight subprocess cooperatively and demotes
// the job back to pending; there is no distinct "paused" status in the
// job DAG, so a paused job is simply pending again until resumed.
func (e *downloadExtensions) handlePause(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := e.transition(w, r.Context(), id, func(j *jobqueue.Job) bool {
		if j.Status != jobqueue.StatusProcessing && j.Status != jobqueue.StatusPending {
			return false
		}
		j.Status = jobqueue.StatusPending
		j.Progress = 0
		return true
	})
	if !ok {
		return
	}
	e.backend.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": string(job.Status)})
}

// handleResume re-enqueues a paused (pending) job onto the scheduler in
// case it fell out of the in-memory heap, mirroring the source service's
// re-dispatch since SpotDL-class tools can't resume mid-process.
func (e *downloadExtensions) handleResume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := e.store.Get(r.Context(), id)
	if err == jobstore.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if job.Status != jobqueue.StatusPending {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job is not paused"})
		return
	}
	e.sched.Enqueue(job.Priority, job.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (e *downloadExtensions) transition(w http.ResponseWriter, ctx context.Context, id string, mutate func(*jobqueue.Job) bool) (jobqueue.Job, bool) {
	job, err := e.store.Get(ctx, id)
	if err == jobstore.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return jobqueue.Job{}, false
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return jobqueue.Job{}, false
	}
	if !mutate(&job) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "illegal transition"})
		return jobqueue.Job{}, false
	}
	job.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(ctx, job); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return jobqueue.Job{}, false
	}
	return job, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
