// Package backend implements the pluggable Compute Back-End Adapter
// (component D): the polymorphic capability contract that wraps heavy
// external code (embedder model, Demucs, an LLM endpoint, a download
// subprocess) behind a uniform (input) -> artifact interface.
package backend

import (
	"context"
	"errors"
)

// Kind of back-end-specific failure, carried as a typed value and mapped
// at the HTTP/job boundary.
type Kind string

const (
	KindLoadFailed      Kind = "load-failed"
	KindDecodeFailed    Kind = "decode-failed"
	KindInferenceFailed Kind = "inference-failed"
	KindIOFailed        Kind = "io-failed"
	KindUpstreamError   Kind = "upstream-error"
	KindTimeout         Kind = "timeout"
	KindRateLimited     Kind = "rate-limited"
	KindNotFound        Kind = "not-found"
	KindToolingMissing  Kind = "tooling-missing"
)

// Error is a typed back-end failure. Workers persist Error.Error() onto a
// job's error field, so the envelope carries the kind only as the prefix
// of that message; KindOf recovers the Kind from a wrapped error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed back-end Error.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, or "" if err is not a backend.Error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// Progress reports incremental status from a long-running invocation
// (downloads). ProgressFunc implementations must be safe to call from the
// adapter's own goroutine.
type Progress struct {
	Fraction float64
	Speed    string
	ETA      string
	Phase    string
}

type ProgressFunc func(Progress)

// Backend is the capability every adapter exposes for health reporting
// and lazy initialization.
type Backend interface {
	// IsReady reports whether the one-time load has completed successfully.
	IsReady() bool
	// Load performs one-time initialization (model weights, subprocess
	// tooling checks) behind a mutex so only the first caller pays the
	// cost; subsequent calls are no-ops once loaded.
	Load(ctx context.Context) error
}
