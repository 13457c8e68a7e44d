package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RealtimeClient is the key-value store used for minute-bucketed
// real-time counters, satisfied by *redis.Client.
type RealtimeClient = redis.Client

// bucketTTL bounds how long a minute bucket's keys live; dashboards only
// ever read the last few buckets.
const bucketTTL = 10 * time.Minute

// sessionWindow is how long a session id stays in active_sessions after
// its last event.
const sessionWindow = 300 * time.Second

type realtime struct {
	rdb *RealtimeClient
}

func newRealtime(rdb *RealtimeClient) *realtime {
	if rdb == nil {
		return nil
	}
	return &realtime{rdb: rdb}
}

// record mirrors ev into the minute-bucketed real-time counters
// described in spec.md §6: events/plays counters, a trending sorted
// set, and a pruned active-sessions sorted set.
func (r *realtime) record(ctx context.Context, ev Event) error {
	bucket := ev.Timestamp.Unix() / 60 * 60
	eventsKey := fmt.Sprintf("stats:realtime:events:%d", bucket)
	playsKey := fmt.Sprintf("stats:realtime:plays:%d", bucket)
	trendingKey := fmt.Sprintf("stats:trending:tracks:%d", bucket)
	const sessionsKey = "stats:realtime:active_sessions"

	pipe := r.rdb.Pipeline()
	pipe.Incr(ctx, eventsKey)
	pipe.Expire(ctx, eventsKey, bucketTTL)

	if ev.EventType == EventPlaybackStart {
		pipe.Incr(ctx, playsKey)
		pipe.Expire(ctx, playsKey, bucketTTL)
		pipe.ZIncrBy(ctx, trendingKey, 1, ev.SubjectID)
		pipe.Expire(ctx, trendingKey, bucketTTL)
	}

	if ev.UserOrSessionID != "" {
		pipe.ZAdd(ctx, sessionsKey, redis.Z{Score: float64(ev.Timestamp.Unix()), Member: ev.UserOrSessionID})
		cutoff := ev.Timestamp.Add(-sessionWindow).Unix()
		pipe.ZRemRangeByScore(ctx, sessionsKey, "-inf", strconv.FormatInt(cutoff, 10))
	}

	_, err := pipe.Exec(ctx)
	return err
}

// StartPruning schedules a periodic sweep of stats:realtime:active_sessions,
// dropping sessions idle past sessionWindow. Per-key expiry already bounds
// the minute-bucketed counters; the sorted set has no natural TTL since it
// is continuously re-scored, so it needs its own sweep in addition to the
// inline prune in record().
func (a *Aggregator) StartPruning(ctx context.Context, schedule string, log *zap.Logger) (*cron.Cron, error) {
	if a.rt == nil {
		return nil, nil
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		cutoff := time.Now().Add(-sessionWindow).Unix()
		if err := a.rt.rdb.ZRemRangeByScore(ctx, "stats:realtime:active_sessions", "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
			log.Warn("analytics: active_sessions prune failed", zap.Error(err))
		}
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
