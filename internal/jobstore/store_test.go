package jobstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sonantica/plugin-runtime/internal/jobqueue"
)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, "embedding", time.Hour), rdb
}

func TestSaveGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job := jobqueue.New("j1", "T1", jobqueue.ModalityEmbedding, nil, jobqueue.PriorityNormal)

	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != job.ID || got.SubjectID != job.SubjectID || got.Status != jobqueue.StatusPending {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindBySubjectTracksLatest(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job := jobqueue.New("j1", "T1", jobqueue.ModalityEmbedding, nil, jobqueue.PriorityNormal)
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	found, err := s.FindBySubject(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if found.ID != "j1" {
		t.Fatalf("expected j1, got %s", found.ID)
	}
	if _, err := s.FindBySubject(ctx, "unknown"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown subject, got %v", err)
	}
}

func TestActiveSetMembershipFollowsTerminality(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job := jobqueue.New("j1", "T1", jobqueue.ModalityEmbedding, nil, jobqueue.PriorityNormal)
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0] != "j1" {
		t.Fatalf("expected j1 active, got %v", active)
	}

	job.Status = jobqueue.StatusCompleted
	job.UpdatedAt = time.Now().UTC()
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	active, err = s.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active jobs after completion, got %v", active)
	}
}

func TestReserveSubjectClaimsFreshSubject(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	winner, err := s.ReserveSubject(ctx, "T1", "j1")
	if err != nil {
		t.Fatal(err)
	}
	if winner != "j1" {
		t.Fatalf("expected j1 to win an empty subject, got %s", winner)
	}
}

func TestReserveSubjectDedupesAgainstLiveJob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job := jobqueue.New("j1", "T1", jobqueue.ModalityEmbedding, nil, jobqueue.PriorityNormal)
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}

	winner, err := s.ReserveSubject(ctx, "T1", "j2")
	if err != nil {
		t.Fatal(err)
	}
	if winner != "j1" {
		t.Fatalf("expected the live job j1 to win, got %s", winner)
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0] != "j1" {
		t.Fatalf("expected only j1 active, got %v", active)
	}
}

func TestReserveSubjectReclaimsAfterTerminalJob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job := jobqueue.New("j1", "T1", jobqueue.ModalityEmbedding, nil, jobqueue.PriorityNormal)
	job.Status = jobqueue.StatusFailed
	job.Error = "boom"
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}

	winner, err := s.ReserveSubject(ctx, "T1", "j2")
	if err != nil {
		t.Fatal(err)
	}
	if winner != "j2" {
		t.Fatalf("expected a failed job to allow re-mint, got %s", winner)
	}
}

// TestReserveSubjectConcurrentCreatesYieldOneWinner is the store-level
// form of spec §8 invariant 2: many concurrent reservations racing for
// one new subject_id must produce exactly one winning id.
func TestReserveSubjectConcurrentCreatesYieldOneWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("j%d", i)
	}

	results := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i, id := range ids {
		i, id := i, id
		go func() {
			defer wg.Done()
			winner, err := s.ReserveSubject(ctx, "T1", id)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = winner
		}()
	}
	wg.Wait()

	first := results[0]
	for _, r := range results {
		if r != first {
			t.Fatalf("expected every reservation to agree on one winner, got %v", results)
		}
	}

	// The winner must actually go on to save and become the sole active
	// job for the subject, matching the create flow in jobapi.
	job := jobqueue.New(first, "T1", jobqueue.ModalityEmbedding, nil, jobqueue.PriorityNormal)
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0] != first {
		t.Fatalf("expected exactly one active job (%s), got %v", first, active)
	}
}

func TestCooldown(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	in, err := s.InCooldown(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if in {
		t.Fatalf("expected no cooldown initially")
	}
	if err := s.SetCooldown(ctx, time.Minute); err != nil {
		t.Fatal(err)
	}
	in, err = s.InCooldown(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !in {
		t.Fatalf("expected cooldown active")
	}
}
