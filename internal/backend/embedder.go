package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
)

// EmbedInput mirrors the embedder's input_descriptor: a media path and a
// bound on how much audio to sample.
type EmbedInput struct {
	Path               string `json:"path"`
	MaxDurationSeconds int    `json:"max_duration_seconds"`
}

// EmbedResult is the embedder's artifact: a fixed-length vector tagged
// with the model version that produced it.
type EmbedResult struct {
	Vector       []float64 `json:"vector"`
	ModelVersion string    `json:"model_version"`
}

// Embedder wraps an external CLAP-style embedding model. The model itself
// runs out-of-process (mono-mix, resample, and inference are the model's
// job); this adapter supervises the subprocess and parses its JSON output.
type Embedder struct {
	mu        sync.Mutex
	loaded    bool
	loadErr   error
	modelName string
	modelPath string // path to the external embedding CLI/script
}

// NewEmbedder configures an Embedder against modelName, invoked via the
// executable at modelPath.
func NewEmbedder(modelName, modelPath string) *Embedder {
	return &Embedder{modelName: modelName, modelPath: modelPath}
}

func (e *Embedder) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded && e.loadErr == nil
}

// Load verifies the external tooling is invocable. Subsequent calls are
// no-ops once loaded, absorbing the cost of the first probe only.
func (e *Embedder) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return e.loadErr
	}
	cmd := exec.CommandContext(ctx, e.modelPath, "--probe")
	if err := cmd.Run(); err != nil {
		e.loadErr = NewError(KindLoadFailed, fmt.Errorf("probe %s: %w", e.modelPath, err))
	}
	e.loaded = true
	return e.loadErr
}

// Embed mono-mixes and resamples the file at in.Path (delegated to the
// external model), truncates to in.MaxDurationSeconds, and returns the
// resulting vector.
func (e *Embedder) Embed(ctx context.Context, in EmbedInput) (EmbedResult, error) {
	if err := e.Load(ctx); err != nil {
		return EmbedResult{}, err
	}
	maxDur := in.MaxDurationSeconds
	if maxDur <= 0 {
		maxDur = 30
	}
	cmd := exec.CommandContext(ctx, e.modelPath,
		"--model", e.modelName,
		"--input", in.Path,
		"--max-duration", fmt.Sprintf("%d", maxDur),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return EmbedResult{}, NewError(KindTimeout, ctx.Err())
		}
		return EmbedResult{}, NewError(KindInferenceFailed, fmt.Errorf("%w: %s", err, stderr.String()))
	}

	var out struct {
		Vector []float64 `json:"vector"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return EmbedResult{}, NewError(KindDecodeFailed, err)
	}
	return EmbedResult{Vector: out.Vector, ModelVersion: e.modelName}, nil
}
