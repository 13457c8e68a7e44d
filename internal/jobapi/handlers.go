package jobapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sonantica/plugin-runtime/internal/jobqueue"
	"github.com/sonantica/plugin-runtime/internal/jobstore"
	"github.com/sonantica/plugin-runtime/internal/obs"
)

type createRequest struct {
	SubjectID       string          `json:"subject_id"`
	InputDescriptor json.RawMessage `json:"input_descriptor"`
	Priority        *int            `json:"priority,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if inCooldown, err := s.store.InCooldown(ctx); err != nil {
		writeError(w, newError(KindStoreUnavailable, err.Error()))
		return
	} else if inCooldown {
		writeError(w, newError(KindRateLimited, "cooldown active"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, newError(KindValidation, "cannot read body"))
		return
	}
	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil || req.SubjectID == "" {
		writeError(w, newError(KindValidation, "subject_id is required"))
		return
	}

	// Reserve the subject index atomically before minting: two concurrent
	// creates for the same new subject_id must not both win, so the
	// check-and-claim happens in one Redis round-trip rather than a
	// FindBySubject read followed by a separate Save.
	candidateID := uuid.NewString()
	winnerID, err := s.store.ReserveSubject(ctx, req.SubjectID, candidateID)
	if err != nil {
		writeError(w, newError(KindStoreUnavailable, err.Error()))
		return
	}
	if winnerID != candidateID {
		// A concurrent winner may not have saved its job yet; wait briefly
		// for it rather than failing the duplicate request.
		existing, err := s.store.Get(ctx, winnerID)
		for tries := 0; err == jobstore.ErrNotFound && tries < 50; tries++ {
			time.Sleep(10 * time.Millisecond)
			existing, err = s.store.Get(ctx, winnerID)
		}
		if err != nil {
			writeError(w, newError(KindStoreUnavailable, err.Error()))
			return
		}
		obs.JobsDeduped.Inc()
		respondEnvelope(w, existing)
		return
	}

	priority := jobqueue.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}
	job := jobqueue.New(candidateID, req.SubjectID, s.modality, req.InputDescriptor, priority)
	if err := s.store.Save(ctx, job); err != nil {
		writeError(w, newError(KindStoreUnavailable, err.Error()))
		return
	}
	s.sched.Enqueue(job.Priority, job.ID)
	obs.JobsCreated.Inc()
	respondEnvelope(w, job)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.store.Get(r.Context(), id)
	if err == jobstore.ErrNotFound {
		writeError(w, newError(KindNotFound, "job not found"))
		return
	}
	if err != nil {
		writeError(w, newError(KindStoreUnavailable, err.Error()))
		return
	}
	respondEnvelope(w, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	job, err := s.store.Get(ctx, id)
	if err == jobstore.ErrNotFound {
		writeError(w, newError(KindNotFound, "job not found"))
		return
	}
	if err != nil {
		writeError(w, newError(KindStoreUnavailable, err.Error()))
		return
	}
	if job.Status != jobqueue.StatusPending && job.Status != jobqueue.StatusProcessing {
		writeError(w, newError(KindConflict, "job is not cancellable"))
		return
	}
	job.Status = jobqueue.StatusCancelled
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, job); err != nil {
		writeError(w, newError(KindStoreUnavailable, err.Error()))
		return
	}
	obs.JobsCancelled.Inc()
	respondEnvelope(w, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := s.listDefault
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > s.listMax {
		limit = s.listMax
	}
	status := jobqueue.Status(r.URL.Query().Get("status"))

	jobs, err := s.store.ListRecent(ctx, status, limit)
	if err != nil {
		writeError(w, newError(KindStoreUnavailable, err.Error()))
		return
	}
	envelopes := make([]json.RawMessage, 0, len(jobs))
	for _, j := range jobs {
		b, err := j.Marshal()
		if err != nil {
			continue
		}
		envelopes = append(envelopes, b)
	}
	writeJSON(w, http.StatusOK, envelopes)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	var payload any = map[string]string{"modality": string(s.modality)}
	if s.manifest != nil {
		payload = s.manifest()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	payload, healthy := s.health(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func respondEnvelope(w http.ResponseWriter, job jobqueue.Job) {
	body, err := job.Marshal()
	if err != nil {
		writeError(w, newError("", err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
