package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// SeparateInput mirrors the stem-separation input_descriptor.
type SeparateInput struct {
	Path      string   `json:"path"`
	Model     string   `json:"model"`
	Stems     []string `json:"stems"`
	OutputDir string   `json:"output_dir"`
}

// SeparateResult maps stem name to output file path.
type SeparateResult struct {
	Stems map[string]string `json:"stems"`
}

// Separator wraps an external stem-separation model (Demucs-class tooling
// running out-of-process); this adapter ensures the output directory
// exists, supervises the subprocess, and parses its stem manifest.
type Separator struct {
	mu        sync.Mutex
	loaded    bool
	loadErr   error
	modelPath string
}

// NewSeparator configures a Separator invoked via the executable at
// modelPath.
func NewSeparator(modelPath string) *Separator {
	return &Separator{modelPath: modelPath}
}

func (s *Separator) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded && s.loadErr == nil
}

func (s *Separator) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.loadErr
	}
	cmd := exec.CommandContext(ctx, s.modelPath, "--probe")
	if err := cmd.Run(); err != nil {
		s.loadErr = NewError(KindLoadFailed, fmt.Errorf("probe %s: %w", s.modelPath, err))
	}
	s.loaded = true
	return s.loadErr
}

// Separate ensures in.OutputDir exists, invokes the model, and returns the
// stem name -> output path mapping it reports.
func (s *Separator) Separate(ctx context.Context, in SeparateInput) (SeparateResult, error) {
	if err := s.Load(ctx); err != nil {
		return SeparateResult{}, err
	}
	if err := os.MkdirAll(in.OutputDir, 0o755); err != nil {
		return SeparateResult{}, NewError(KindIOFailed, err)
	}

	args := []string{
		"--model", in.Model,
		"--input", in.Path,
		"--output-dir", in.OutputDir,
	}
	for _, stem := range in.Stems {
		args = append(args, "--stem", stem)
	}
	cmd := exec.CommandContext(ctx, s.modelPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return SeparateResult{}, NewError(KindTimeout, ctx.Err())
		}
		return SeparateResult{}, NewError(KindInferenceFailed, fmt.Errorf("%w: %s", err, stderr.String()))
	}

	var out struct {
		Stems map[string]string `json:"stems"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return SeparateResult{}, NewError(KindIOFailed, err)
	}
	for stem, rel := range out.Stems {
		out.Stems[stem] = filepath.Join(in.OutputDir, filepath.Base(rel))
	}
	return SeparateResult{Stems: out.Stems}, nil
}
