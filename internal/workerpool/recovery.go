package workerpool

import (
	"context"

	"go.uber.org/zap"

	"github.com/sonantica/plugin-runtime/internal/jobqueue"
	"github.com/sonantica/plugin-runtime/internal/jobstore"
	"github.com/sonantica/plugin-runtime/internal/obs"
	"github.com/sonantica/plugin-runtime/internal/scheduler"
)

// RecoveryPolicy decides what happens to a `processing` job found in the
// active-set at startup. `pending` jobs are always re-enqueued; the open
// question is only about jobs a prior process left mid-flight.
type RecoveryPolicy int

const (
	// LeaveProcessing matches the source's own recovery sweep: a
	// `processing` job may still be in-flight on another node, so it is
	// left alone and only promoted by an explicit operator action.
	// Used for embedding and stem-separation, where the compute step has
	// no natural resume point.
	LeaveProcessing RecoveryPolicy = iota
	// DemoteProcessing re-enqueues a `processing` job as `pending`,
	// matching the downloader's own re-dispatch-on-resume behavior,
	// since downloads and enrichment calls are safe to simply retry from
	// scratch.
	DemoteProcessing
)

// Recover reads the active-set, fetches each job, and re-enqueues
// `pending` jobs unconditionally. `processing` jobs are handled per
// policy. Terminal jobs are never touched (they should not appear in the
// active-set, but a stale entry is tolerated and skipped).
func Recover(ctx context.Context, store *jobstore.Store, sched *scheduler.Scheduler, policy RecoveryPolicy, log *zap.Logger) error {
	ids, err := store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := store.Get(ctx, id)
		if err != nil {
			log.Warn("recovery: failed to load active job", zap.String("id", id), zap.Error(err))
			continue
		}
		switch job.Status {
		case jobqueue.StatusPending:
			sched.Enqueue(job.Priority, job.ID)
			obs.JobsRecovered.Inc()
		case jobqueue.StatusProcessing:
			if policy == DemoteProcessing {
				job.Status = jobqueue.StatusPending
				if err := store.Save(ctx, job); err != nil {
					log.Warn("recovery: demote failed", zap.String("id", id), zap.Error(err))
					continue
				}
				sched.Enqueue(job.Priority, job.ID)
				obs.JobsRecovered.Inc()
			}
		default:
			// terminal: stale active-set entry, ignore.
		}
	}
	return nil
}
