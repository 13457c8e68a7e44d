package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sonantica/plugin-runtime/internal/jobqueue"
	"github.com/sonantica/plugin-runtime/internal/jobstore"
	"github.com/sonantica/plugin-runtime/internal/scheduler"
)

type fakeProcessor struct {
	inFlight  int32
	maxInFlight int32
	fail      bool
	delay     time.Duration
}

func (f *fakeProcessor) Process(ctx context.Context, job jobqueue.Job) (any, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail {
		return nil, errors.New("boom")
	}
	return map[string]string{"ok": "true"}, nil
}

func newHarness(t *testing.T) (*jobstore.Store, *scheduler.Scheduler) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobstore.New(rdb, "test", time.Hour)
	return store, scheduler.New()
}

func TestPoolCompletesJob(t *testing.T) {
	store, sched := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := jobqueue.New("j1", "T1", jobqueue.ModalityEmbedding, nil, jobqueue.PriorityNormal)
	if err := store.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	sched.Enqueue(job.Priority, job.ID)

	proc := &fakeProcessor{}
	log, _ := zap.NewDevelopment()
	pool := New(Config{Workers: 2, Parallelism: 2}, sched, store, proc, log)

	go pool.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(ctx, "j1")
		if err == nil && got.Status == jobqueue.StatusCompleted {
			var res map[string]string
			if err := json.Unmarshal(got.Result, &res); err != nil {
				t.Fatal(err)
			}
			if res["ok"] != "true" {
				t.Fatalf("unexpected result: %v", res)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never completed")
}

func TestPoolMarksFailedOnProcessorError(t *testing.T) {
	store, sched := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := jobqueue.New("j1", "T1", jobqueue.ModalityEmbedding, nil, jobqueue.PriorityNormal)
	if err := store.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	sched.Enqueue(job.Priority, job.ID)

	proc := &fakeProcessor{fail: true}
	log, _ := zap.NewDevelopment()
	pool := New(Config{Workers: 1, Parallelism: 1}, sched, store, proc, log)
	go pool.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(ctx, "j1")
		if err == nil && got.Status == jobqueue.StatusFailed {
			if got.Error != "boom" {
				t.Fatalf("error = %q, want boom", got.Error)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never failed")
}

func TestBoundedParallelism(t *testing.T) {
	store, sched := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 6
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("j%d", i)
		job := jobqueue.New(id, id, jobqueue.ModalityEmbedding, nil, jobqueue.PriorityNormal)
		if err := store.Save(ctx, job); err != nil {
			t.Fatal(err)
		}
		sched.Enqueue(job.Priority, job.ID)
	}

	proc := &fakeProcessor{delay: 50 * time.Millisecond}
	log, _ := zap.NewDevelopment()
	pool := New(Config{Workers: n, Parallelism: 2}, sched, store, proc, log)
	go pool.Run(ctx)

	time.Sleep(400 * time.Millisecond)
	if max := atomic.LoadInt32(&proc.maxInFlight); max > 2 {
		t.Fatalf("max in-flight = %d, want <= 2", max)
	}
}
