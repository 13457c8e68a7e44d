package obs

import (
	"context"
	"time"
)

// DepthSource reports the current number of queued ids per priority class,
// keyed the same way the scheduler labels its tiers ("streaming", "normal", "low").
type DepthSource func() map[string]int

// StartSchedulerDepthUpdater polls source on an interval and publishes each
// priority's depth to the SchedulerDepth gauge, until ctx is cancelled.
func StartSchedulerDepthUpdater(ctx context.Context, interval time.Duration, source DepthSource) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for priority, depth := range source() {
					SchedulerDepth.WithLabelValues(priority).Set(float64(depth))
				}
			}
		}
	}()
}
