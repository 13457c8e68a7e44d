package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// EnrichInput mirrors the enrichment input_descriptor: the subject to
// enrich plus whatever catalog context the prompt needs.
type EnrichInput struct {
	SubjectID string `json:"subject_id"`
	Prompt    string `json:"prompt"`
}

// EnrichResult is the knowledge-enrichment artifact: free-form structured
// fields describing the subject, as produced by the LLM.
type EnrichResult struct {
	Summary string         `json:"summary"`
	Tags    []string       `json:"tags"`
	Raw     map[string]any `json:"raw,omitempty"`
}

// Enricher calls an external generative endpoint (an Ollama-compatible
// HTTP server) with a bounded timeout, gated by a circuit breaker so a
// flaky upstream doesn't cascade into the whole worker pool blocking.
type Enricher struct {
	mu     sync.Mutex
	loaded bool
	client *http.Client
	host   string
	model  string
	cb     *CircuitBreaker
}

// NewEnricher configures an Enricher against an Ollama-compatible host,
// gated by cb (nil disables gating, allowing every call through).
func NewEnricher(host, model string, cb *CircuitBreaker) *Enricher {
	return &Enricher{
		client: &http.Client{},
		host:   host,
		model:  model,
		cb:     cb,
	}
}

func (e *Enricher) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Load marks the Enricher ready without contacting the endpoint; an
// unreachable endpoint surfaces only as errors from Enrich, which the
// circuit breaker gates.
func (e *Enricher) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = true
	return nil
}

// Enrich calls the LLM endpoint with a bounded timeout. The circuit
// breaker gates the call itself, distinct from the worker pool's
// parallelism gate: this protects the upstream from sustained failure,
// the parallelism gate protects local resource usage.
func (e *Enricher) Enrich(ctx context.Context, in EnrichInput, timeout time.Duration) (EnrichResult, error) {
	if e.cb != nil && !e.cb.Allow() {
		return EnrichResult{}, NewError(KindUpstreamError, fmt.Errorf("circuit breaker open"))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, _ := json.Marshal(map[string]any{
		"model":  e.model,
		"prompt": in.Prompt,
		"stream": false,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return EnrichResult{}, NewError(KindUpstreamError, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	ok := err == nil && resp.StatusCode < http.StatusInternalServerError
	if e.cb != nil {
		e.cb.Record(ok)
	}
	if err != nil {
		if ctx.Err() != nil {
			return EnrichResult{}, NewError(KindTimeout, ctx.Err())
		}
		return EnrichResult{}, NewError(KindUpstreamError, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return EnrichResult{}, NewError(KindUpstreamError, err)
	}
	if resp.StatusCode >= 300 {
		return EnrichResult{}, NewError(KindUpstreamError, fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return EnrichResult{}, NewError(KindUpstreamError, err)
	}
	return EnrichResult{Summary: out.Response}, nil
}
