package jobapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sonantica/plugin-runtime/internal/jobqueue"
	"github.com/sonantica/plugin-runtime/internal/jobstore"
	"github.com/sonantica/plugin-runtime/internal/scheduler"
)

func newTestServer(t *testing.T) (*Server, *jobstore.Store, *scheduler.Scheduler) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobstore.New(rdb, "test", time.Hour)
	sched := scheduler.New()
	log, _ := zap.NewDevelopment()
	srv := New(Config{
		Secret:      "s3cret",
		ListDefault: 20,
		ListMax:     100,
		Modality:    jobqueue.ModalityEmbedding,
		EnableList:  true,
	}, store, sched, log)
	return srv, store, sched
}

func doRequest(srv *Server, method, path, secret string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if secret != "" {
		req.Header.Set("x-internal-secret", secret)
	}
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	return rr
}

func TestCreateRejectsWithoutSecret(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rr := doRequest(srv, http.MethodPost, "/jobs", "", []byte(`{"subject_id":"T1"}`))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestCreateThenStatus(t *testing.T) {
	srv, _, sched := newTestServer(t)
	rr := doRequest(srv, http.MethodPost, "/jobs", "s3cret", []byte(`{"subject_id":"T1"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var env map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env["status"] != "pending" {
		t.Fatalf("status = %v, want pending", env["status"])
	}
	if sched.Len() != 1 {
		t.Fatalf("expected one enqueue, got %d", sched.Len())
	}

	id := env["id"].(string)
	rr = doRequest(srv, http.MethodGet, "/jobs/"+id, "s3cret", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status status = %d", rr.Code)
	}
}

func TestCreateDedupesOnSubject(t *testing.T) {
	srv, _, sched := newTestServer(t)
	rr1 := doRequest(srv, http.MethodPost, "/jobs", "s3cret", []byte(`{"subject_id":"T1"}`))
	rr2 := doRequest(srv, http.MethodPost, "/jobs", "s3cret", []byte(`{"subject_id":"T1"}`))

	var e1, e2 map[string]any
	json.Unmarshal(rr1.Body.Bytes(), &e1)
	json.Unmarshal(rr2.Body.Bytes(), &e2)
	if e1["id"] != e2["id"] {
		t.Fatalf("expected same id, got %v and %v", e1["id"], e2["id"])
	}
	if sched.Len() != 1 {
		t.Fatalf("expected exactly one enqueue across both creates, got %d", sched.Len())
	}
}

// TestCreateConcurrentDedupesOnSubject is spec §8 invariant 2 exercised
// over the HTTP surface: many simultaneous creates for a brand-new
// subject_id must still mint exactly one job and enqueue exactly once.
func TestCreateConcurrentDedupesOnSubject(t *testing.T) {
	srv, _, sched := newTestServer(t)

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			rr := doRequest(srv, http.MethodPost, "/jobs", "s3cret", []byte(`{"subject_id":"T1"}`))
			var env map[string]any
			json.Unmarshal(rr.Body.Bytes(), &env)
			ids[i] = env["id"].(string)
		}()
	}
	wg.Wait()

	first := ids[0]
	for _, id := range ids {
		if id != first {
			t.Fatalf("expected every concurrent create to agree on one id, got %v", ids)
		}
	}
	if sched.Len() != 1 {
		t.Fatalf("expected exactly one enqueue across %d concurrent creates, got %d", n, sched.Len())
	}
}

func TestCancelPendingJob(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rr := doRequest(srv, http.MethodPost, "/jobs", "s3cret", []byte(`{"subject_id":"T2"}`))
	var env map[string]any
	json.Unmarshal(rr.Body.Bytes(), &env)
	id := env["id"].(string)

	rr = doRequest(srv, http.MethodDelete, "/jobs/"+id, "s3cret", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rr.Code)
	}
	var cancelled map[string]any
	json.Unmarshal(rr.Body.Bytes(), &cancelled)
	if cancelled["status"] != "cancelled" {
		t.Fatalf("status = %v, want cancelled", cancelled["status"])
	}

	rr = doRequest(srv, http.MethodDelete, "/jobs/"+id, "s3cret", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected conflict on double-cancel, got %d", rr.Code)
	}
}

func TestStatusNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rr := doRequest(srv, http.MethodGet, "/jobs/nonexistent", "s3cret", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
