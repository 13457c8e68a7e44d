package jobapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sonantica/plugin-runtime/internal/jobqueue"
	"github.com/sonantica/plugin-runtime/internal/jobstore"
	"github.com/sonantica/plugin-runtime/internal/scheduler"
)

// Server is the HTTP Job API for a single plugin instance.
type Server struct {
	store       *jobstore.Store
	sched       *scheduler.Scheduler
	secret      string
	log         *zap.Logger
	audit       *lumberjack.Logger
	listDefault int
	listMax     int
	modality    jobqueue.Modality
	manifest    ManifestFunc
	health      HealthFunc
	enableList  bool
	srv         *http.Server
}

// ManifestFunc returns the capability descriptor for GET /manifest.
type ManifestFunc func() any

// HealthFunc returns (payload, healthy) for GET /health.
type HealthFunc func(ctx context.Context) (any, bool)

// Config bundles the dependencies a Server needs.
type Config struct {
	ListenAddr   string
	Secret       string
	ListDefault  int
	ListMax      int
	Modality     jobqueue.Modality
	AuditLogPath string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Manifest     ManifestFunc
	Health       HealthFunc
	// EnableList exposes GET /jobs; spec reserves listing for the
	// downloader plugin only, other plugins expose status-by-id only.
	EnableList bool
}

// New builds a Server wired to store and sched.
func New(cfg Config, store *jobstore.Store, sched *scheduler.Scheduler, log *zap.Logger) *Server {
	s := &Server{
		store:       store,
		sched:       sched,
		secret:      cfg.Secret,
		log:         log,
		listDefault: cfg.ListDefault,
		listMax:     cfg.ListMax,
		modality:    cfg.Modality,
		manifest:    cfg.Manifest,
		health:      cfg.Health,
		enableList:  cfg.EnableList,
	}
	if cfg.AuditLogPath != "" {
		s.audit = &lumberjack.Logger{
			Filename:   cfg.AuditLogPath,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
	}
	router := s.routes()
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router exposes the underlying mux.Router, letting a plugin binary
// register modality-specific extension routes (downloader's
// /downloads/*, the recommendation engine's /recommendations).
func (s *Server) Router() *mux.Router {
	return s.srv.Handler.(*mux.Router)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoveryMiddleware, s.auditMiddleware, s.authMiddleware)

	r.HandleFunc("/jobs", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleCancel).Methods(http.MethodDelete)
	if s.enableList {
		r.HandleFunc("/jobs", s.handleList).Methods(http.MethodGet)
	}
	r.HandleFunc("/manifest", s.handleManifest).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Start begins serving; it blocks until the listener errors or is
// shut down.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*APIError)
	if !ok {
		apiErr = newError("", err.Error())
	}
	writeJSON(w, statusFor(apiErr.Kind), map[string]string{"error": apiErr.Message})
}
