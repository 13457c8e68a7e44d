package jobstore

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartReconciliation schedules a periodic sweep that cross-checks
// active-set membership against each member's status shadow. save()'s
// pipeline keeps the two consistent within one round-trip (spec.md
// §4.A), but a crash mid-pipeline or a node that died between writes can
// still leave them briefly out of sync; the sweep only logs drift, it
// never silently rewrites state, since a concurrent in-flight save could
// otherwise race the sweep itself.
func (s *Store) StartReconciliation(ctx context.Context, schedule string, log *zap.Logger) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		s.reconcileOnce(ctx, log)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c, nil
}

func (s *Store) reconcileOnce(ctx context.Context, log *zap.Logger) {
	ids, err := s.ListActive(ctx)
	if err != nil {
		log.Warn("jobstore: reconciliation sweep failed to list active set", zap.Error(err))
		return
	}
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				log.Warn("jobstore: active-set member has no job record", zap.String("id", id))
			}
			continue
		}
		if job.Status.Terminal() {
			log.Warn("jobstore: active-set/status drift detected",
				zap.String("id", id), zap.String("status", string(job.Status)))
		}
	}
}
