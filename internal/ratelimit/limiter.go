// Package ratelimit holds the request, result and error model shared by the
// quota and spike-arrest limiters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy. Construction problems return ErrConfiguration or
// ErrUnsupportedConfiguration from New; everything else surfaces from Apply.
var (
	// ErrConfiguration is returned when limiter options are invalid.
	ErrConfiguration = errors.New("invalid limiter configuration")

	// ErrValidation is returned when a single apply request is malformed.
	ErrValidation = errors.New("invalid apply request")

	// ErrBackendUnavailable is returned when a shared store or remote
	// authority cannot be reached. The weight may already have been counted.
	ErrBackendUnavailable = errors.New("counting backend unavailable")

	// ErrUnsupportedConfiguration is returned when the selected backend
	// cannot honor the requested window configuration.
	ErrUnsupportedConfiguration = errors.New("configuration not supported by backend")

	// ErrClosed is returned for calls made on, or still waiting in, a
	// limiter that has been closed.
	ErrClosed = errors.New("limiter closed")
)

// Request is a single apply call.
type Request struct {
	// Identifier names the bucket. Key is accepted as an alias.
	Identifier string `json:"identifier"`
	Key        string `json:"key,omitempty"`

	// Weight is the amount counted against the bucket. Zero means 1.
	Weight int64 `json:"weight,omitempty"`

	// Allow overrides the configured ceiling for this call only. Zero means
	// no override.
	Allow int64 `json:"allow,omitempty"`
}

// Result is the normalized outcome of an apply call.
type Result struct {
	Allowed    int64 `json:"allowed"`    // ceiling in effect for this call
	Used       int64 `json:"used"`       // bucket counter after this call
	IsAllowed  bool  `json:"isAllowed"`  // Used <= Allowed
	ExpiryTime int64 `json:"expiryTime"` // milliseconds until the bucket resets
}

// Remaining returns how much weight is left before the ceiling is reached.
func (r *Result) Remaining() int64 {
	if r.Used >= r.Allowed {
		return 0
	}
	return r.Allowed - r.Used
}

// Outcome is the value delivered by asynchronous apply calls: exactly one of
// Result and Err is set.
type Outcome struct {
	Result *Result
	Err    error
}

// Limiter is implemented by the quota and spike-arrest facades.
type Limiter interface {
	// Apply counts the request against its bucket and reports the result.
	Apply(ctx context.Context, req Request) (*Result, error)

	// Close releases any resources held by the limiter.
	Close() error
}

// Normalize validates a request and fills in defaults. The returned request
// always has a non-empty Identifier and a positive Weight.
func Normalize(req Request) (Request, error) {
	if req.Identifier == "" {
		req.Identifier = req.Key
	}
	if req.Identifier == "" {
		return req, fmt.Errorf("%w: identifier is required", ErrValidation)
	}
	if req.Weight < 0 {
		return req, fmt.Errorf("%w: weight must be positive, got %d", ErrValidation, req.Weight)
	}
	if req.Weight == 0 {
		req.Weight = 1
	}
	if req.Allow < 0 {
		return req, fmt.Errorf("%w: allow must be positive, got %d", ErrValidation, req.Allow)
	}
	return req, nil
}

// Go runs apply on a new goroutine and delivers its outcome on the returned
// channel. The channel is buffered so an abandoned receiver never blocks the
// goroutine.
func Go(ctx context.Context, l Limiter, req Request) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		res, err := l.Apply(ctx, req)
		out <- Outcome{Result: res, Err: err}
	}()
	return out
}

// Millis converts a remaining duration to whole milliseconds, clamped at zero.
func Millis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return d.Milliseconds()
}
