// Package manifest builds the two small self-description surfaces every
// plugin exposes (component I): a static capability descriptor at
// /manifest, and a live health snapshot at /health.
package manifest

// Capability is the static `GET /manifest` response: what this plugin
// instance is and how it's configured, independent of runtime state.
type Capability struct {
	Modality        string `json:"modality"`
	ModelName       string `json:"model_name,omitempty"`
	ModelVersion    string `json:"model_version,omitempty"`
	Concurrency     int    `json:"concurrency"`
	ParallelismGate int    `json:"parallelism_gate"`
}

// Health is the live `GET /health` response.
type Health struct {
	Status      string `json:"status"`
	GPU         bool   `json:"gpu"`
	ActiveJobs  int    `json:"active_jobs"`
	ModelCached bool   `json:"model_cached"`
}

// Backend is the subset of a compute back-end's state the health
// surface needs; satisfied by every adapter in internal/backend.
type Backend interface {
	IsReady() bool
}

// ActiveJobsFunc reports how many workers are currently inside the
// compute step (the parallelism gate's live occupancy).
type ActiveJobsFunc func() int

// HealthReporter builds a Health snapshot on demand from a back-end and
// the worker pool's live occupancy.
type HealthReporter struct {
	backend    Backend
	activeJobs ActiveJobsFunc
	gpu        bool
}

// NewHealthReporter builds a reporter. gpu records whether this plugin's
// compute step runs on a GPU-backed back-end (embedder/separator do;
// enricher/downloader don't).
func NewHealthReporter(backend Backend, activeJobs ActiveJobsFunc, gpu bool) *HealthReporter {
	return &HealthReporter{backend: backend, activeJobs: activeJobs, gpu: gpu}
}

// Report returns the current health snapshot and whether it is healthy
// (i.e. whether the HTTP boundary should answer 200 or 503).
func (r *HealthReporter) Report() (Health, bool) {
	cached := r.backend != nil && r.backend.IsReady()
	active := 0
	if r.activeJobs != nil {
		active = r.activeJobs()
	}
	status := "ok"
	if !cached {
		status = "degraded"
	}
	h := Health{
		Status:      status,
		GPU:         r.gpu,
		ActiveJobs:  active,
		ModelCached: cached,
	}
	return h, cached
}
