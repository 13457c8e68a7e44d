// Package jobqueue defines the universal Job record shared by every plugin:
// the envelope persisted by the Job Store, queued by the Scheduler, and
// returned by the Job API.
package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a job's position in the pending -> {processing -> {completed |
// failed}, cancelled} DAG. Once terminal, a job's status never changes.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether status is a DAG sink.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Modality selects which compute back-end adapter processes a job.
type Modality string

const (
	ModalityEmbedding   Modality = "embedding"
	ModalityStemSep     Modality = "stem-separation"
	ModalityEnrichment  Modality = "enrichment"
	ModalityDownload    Modality = "download"
)

// Priority classes, lower numeric value dequeues first.
const (
	PriorityStreaming = 0
	PriorityNormal    = 10
	PriorityLow       = 20
)

// Job is the universal record: durable state in the Job Store, transient
// queue entry in the Scheduler, and the payload the Job API serializes as
// an envelope.
type Job struct {
	ID              string          `json:"id"`
	SubjectID       string          `json:"subject_id"`
	Modality        Modality        `json:"modality"`
	InputDescriptor json.RawMessage `json:"input_descriptor,omitempty"`
	Status          Status          `json:"status"`
	Priority        int             `json:"priority"`
	Progress        float64         `json:"progress"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// New constructs a pending job with created_at/updated_at stamped to now.
func New(id, subjectID string, modality Modality, input json.RawMessage, priority int) Job {
	now := time.Now().UTC()
	return Job{
		ID:              id,
		SubjectID:       subjectID,
		Modality:        modality,
		InputDescriptor: input,
		Status:          StatusPending,
		Priority:        priority,
		Progress:        0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// envelope is the wire shape: timestamps rendered as UTC RFC3339 with a
// trailing Z, matching the Job API's contract.
type envelope struct {
	ID              string          `json:"id"`
	SubjectID       string          `json:"subject_id"`
	Modality        Modality        `json:"modality,omitempty"`
	InputDescriptor json.RawMessage `json:"input_descriptor,omitempty"`
	Status          Status          `json:"status"`
	Priority        int             `json:"priority"`
	Progress        float64         `json:"progress"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

const timeLayout = "2006-01-02T15:04:05Z"

// Marshal serializes a job as its canonical envelope.
func (j Job) Marshal() ([]byte, error) {
	e := envelope{
		ID:              j.ID,
		SubjectID:       j.SubjectID,
		Modality:        j.Modality,
		InputDescriptor: j.InputDescriptor,
		Status:          j.Status,
		Priority:        j.Priority,
		Progress:        j.Progress,
		Result:          j.Result,
		Error:           j.Error,
		CreatedAt:       j.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:       j.UpdatedAt.UTC().Format(timeLayout),
	}
	return json.Marshal(e)
}

// Unmarshal parses a job from its canonical envelope.
func Unmarshal(b []byte) (Job, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	created, err := time.Parse(timeLayout, e.CreatedAt)
	if err != nil {
		return Job{}, fmt.Errorf("unmarshal job: created_at: %w", err)
	}
	updated, err := time.Parse(timeLayout, e.UpdatedAt)
	if err != nil {
		return Job{}, fmt.Errorf("unmarshal job: updated_at: %w", err)
	}
	return Job{
		ID:              e.ID,
		SubjectID:       e.SubjectID,
		Modality:        e.Modality,
		InputDescriptor: e.InputDescriptor,
		Status:          e.Status,
		Priority:        e.Priority,
		Progress:        e.Progress,
		Result:          e.Result,
		Error:           e.Error,
		CreatedAt:       created,
		UpdatedAt:       updated,
	}, nil
}
