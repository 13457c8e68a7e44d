package analytics

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRealtime(t *testing.T) (*realtime, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return newRealtime(rdb), rdb
}

func TestRealtimeCountersIncrementOnStart(t *testing.T) {
	rt, rdb := newTestRealtime(t)
	ctx := context.Background()
	ts := time.Unix(1_700_000_000, 0).UTC()

	ev := Event{EventType: EventPlaybackStart, SubjectID: "T1", UserOrSessionID: "s1", Timestamp: ts}
	if err := rt.record(ctx, ev); err != nil {
		t.Fatal(err)
	}

	bucket := ts.Unix() / 60 * 60
	events, err := rdb.Get(ctx, stringKey("stats:realtime:events:", bucket)).Int()
	if err != nil || events != 1 {
		t.Fatalf("events counter = %d, err = %v", events, err)
	}
	plays, err := rdb.Get(ctx, stringKey("stats:realtime:plays:", bucket)).Int()
	if err != nil || plays != 1 {
		t.Fatalf("plays counter = %d, err = %v", plays, err)
	}
	score, err := rdb.ZScore(ctx, stringKey("stats:trending:tracks:", bucket), "T1").Result()
	if err != nil || score != 1 {
		t.Fatalf("trending score = %v, err = %v", score, err)
	}
}

func TestRealtimeConcurrentPlayCountsAtomic(t *testing.T) {
	rt, rdb := newTestRealtime(t)
	ctx := context.Background()
	ts := time.Unix(1_700_000_100, 0).UTC()

	const k = 20
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := Event{EventType: EventPlaybackStart, SubjectID: "T1", Timestamp: ts}
			if err := rt.record(ctx, ev); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	bucket := ts.Unix() / 60 * 60
	plays, err := rdb.Get(ctx, stringKey("stats:realtime:plays:", bucket)).Int()
	if err != nil {
		t.Fatal(err)
	}
	if plays != k {
		t.Fatalf("plays = %d, want %d", plays, k)
	}
}

func TestActiveSessionsPruned(t *testing.T) {
	rt, rdb := newTestRealtime(t)
	ctx := context.Background()
	now := time.Unix(1_700_001_000, 0).UTC()

	stale := Event{EventType: EventPlaybackStart, SubjectID: "T1", UserOrSessionID: "old", Timestamp: now.Add(-10 * time.Minute)}
	fresh := Event{EventType: EventPlaybackStart, SubjectID: "T1", UserOrSessionID: "new", Timestamp: now}
	if err := rt.record(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := rt.record(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	members, err := rdb.ZRange(ctx, "stats:realtime:active_sessions", 0, -1).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != "new" {
		t.Fatalf("active sessions = %v, want [new]", members)
	}
}

func stringKey(prefix string, bucket int64) string {
	return prefix + strconv.FormatInt(bucket, 10)
}
