package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sonantica/plugin-runtime/internal/jobqueue"
	"github.com/sonantica/plugin-runtime/internal/jobstore"
	"github.com/sonantica/plugin-runtime/internal/scheduler"
)

func TestRecoveryReenqueuesPendingOnly(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobstore.New(rdb, "test", time.Hour)
	sched := scheduler.New()
	ctx := context.Background()
	log, _ := zap.NewDevelopment()

	pending := jobqueue.New("p1", "Tp", jobqueue.ModalityEmbedding, nil, jobqueue.PriorityNormal)
	processing := jobqueue.New("p2", "Tq", jobqueue.ModalityEmbedding, nil, jobqueue.PriorityNormal)
	processing.Status = jobqueue.StatusProcessing

	if err := store.Save(ctx, pending); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, processing); err != nil {
		t.Fatal(err)
	}

	if err := Recover(ctx, store, sched, LeaveProcessing, log); err != nil {
		t.Fatal(err)
	}

	if sched.Len() != 1 {
		t.Fatalf("expected 1 re-enqueued job, got %d", sched.Len())
	}
	id, ok := sched.Dequeue(ctx)
	if !ok || id != "p1" {
		t.Fatalf("expected p1 re-enqueued, got %s", id)
	}

	got, err := store.Get(ctx, "p2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != jobqueue.StatusProcessing {
		t.Fatalf("expected p2 left as processing, got %s", got.Status)
	}
}

func TestRecoveryDemotesProcessingWhenConfigured(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobstore.New(rdb, "test", time.Hour)
	sched := scheduler.New()
	ctx := context.Background()
	log, _ := zap.NewDevelopment()

	processing := jobqueue.New("p2", "Tq", jobqueue.ModalityDownload, nil, jobqueue.PriorityNormal)
	processing.Status = jobqueue.StatusProcessing
	if err := store.Save(ctx, processing); err != nil {
		t.Fatal(err)
	}

	if err := Recover(ctx, store, sched, DemoteProcessing, log); err != nil {
		t.Fatal(err)
	}

	if sched.Len() != 1 {
		t.Fatalf("expected demoted job re-enqueued, got %d", sched.Len())
	}
	got, err := store.Get(ctx, "p2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != jobqueue.StatusPending {
		t.Fatalf("expected p2 demoted to pending, got %s", got.Status)
	}
}
