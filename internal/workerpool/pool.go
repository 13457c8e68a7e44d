// Package workerpool implements the bounded Worker Pool (component C): N
// long-lived workers draining the Scheduler, gated by a single parallelism
// semaphore around the heavy compute step, driving a single Processor.
package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/sonantica/plugin-runtime/internal/jobqueue"
	"github.com/sonantica/plugin-runtime/internal/jobstore"
	"github.com/sonantica/plugin-runtime/internal/obs"
	"github.com/sonantica/plugin-runtime/internal/scheduler"
)

// Processor drives the Compute Back-End Adapter for a single modality. It
// returns the job's result artifact (already JSON-encodable) or an error,
// which the pool persists as the terminal state.
type Processor interface {
	Process(ctx context.Context, job jobqueue.Job) (result any, err error)
}

// Config controls pool sizing and per-job timeout.
type Config struct {
	Workers      int
	Parallelism  int // M <= Workers, size of the compute-step semaphore
	PickupJitter time.Duration
	JobTimeout   time.Duration
}

// Pool is the bounded worker pool for a single plugin instance.
type Pool struct {
	cfg   Config
	sched *scheduler.Scheduler
	store *jobstore.Store
	proc  Processor
	log   *zap.Logger
	gate  chan struct{}
}

// New builds a Pool. cfg.Parallelism is clamped into [1, cfg.Workers].
func New(cfg Config, sched *scheduler.Scheduler, store *jobstore.Store, proc Processor, log *zap.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Parallelism < 1 || cfg.Parallelism > cfg.Workers {
		cfg.Parallelism = cfg.Workers
	}
	return &Pool{
		cfg:   cfg,
		sched: sched,
		store: store,
		proc:  proc,
		log:   log,
		gate:  make(chan struct{}, cfg.Parallelism),
	}
}

// ActiveJobs returns how many workers are currently inside the compute
// step, i.e. the parallelism gate's live occupancy. Used by the health
// surface (component I).
func (p *Pool) ActiveJobs() int {
	return len(p.gate)
}

// Run starts cfg.Workers worker goroutines and blocks until ctx is
// cancelled and every worker has exited.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go func() {
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			p.runOne(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < p.cfg.Workers; i++ {
		<-done
	}
}

func (p *Pool) runOne(ctx context.Context) {
	for {
		if p.cfg.PickupJitter > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(p.cfg.PickupJitter))))
		}
		id, ok := p.sched.Dequeue(ctx)
		if !ok {
			return
		}
		obs.JobsDequeued.Inc()
		p.process(ctx, id)
	}
}

func (p *Pool) process(ctx context.Context, id string) {
	job, err := p.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, jobstore.ErrNotFound) {
			p.log.Warn("workerpool: load failed", zap.String("id", id), zap.Error(err))
		}
		return
	}
	// Re-check status: guards against a race with a prior dequeue of the
	// same id (retry paths, duplicate recovery enqueue).
	if job.Status != jobqueue.StatusPending {
		return
	}

	job.Status = jobqueue.StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if err := p.store.Save(ctx, job); err != nil {
		p.log.Error("workerpool: transition to processing failed", zap.String("id", id), zap.Error(err))
		return
	}

	select {
	case p.gate <- struct{}{}:
	case <-ctx.Done():
		return
	}
	obs.ParallelismGateInUse.Inc()
	start := time.Now()

	jobCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
	}
	result, procErr := p.proc.Process(jobCtx, job)
	if cancel != nil {
		cancel()
	}

	obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
	<-p.gate
	obs.ParallelismGateInUse.Dec()

	// A cancel or pause request may have landed while we were computing
	// and moved the job out of processing; it wins over a late success or
	// failure.
	latest, getErr := p.store.Get(ctx, id)
	if getErr == nil && latest.Status != jobqueue.StatusProcessing {
		return
	}

	job.UpdatedAt = time.Now().UTC()
	if procErr != nil {
		job.Status = jobqueue.StatusFailed
		job.Error = procErr.Error()
		obs.JobsFailed.Inc()
	} else {
		job.Status = jobqueue.StatusCompleted
		job.Progress = 1
		if result != nil {
			if b, err := json.Marshal(result); err == nil {
				job.Result = b
			}
		}
		obs.JobsCompleted.Inc()
	}
	if err := p.store.Save(ctx, job); err != nil {
		p.log.Error("workerpool: terminal save failed", zap.String("id", id), zap.Error(err))
	}
}
