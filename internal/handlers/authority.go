package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/edgequota/edgequota/internal/authority"
	"github.com/edgequota/edgequota/internal/quota"
	"github.com/edgequota/edgequota/internal/ratelimit"
	"github.com/edgequota/edgequota/internal/window"
	"github.com/edgequota/edgequota/pkg/logger"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// AuthorityHandler serves the quota authority API. Requests sharing a
// window policy (unit, interval and start time) share one limiter, so
// their identifiers count against the same buckets while each call keeps
// its own ceiling.
type AuthorityHandler struct {
	factory     quota.BackendFactory
	now         func() time.Time
	log         *logger.Logger
	maxPolicies int

	mu       sync.Mutex
	limiters map[string]*quota.Limiter
}

// DefaultMaxPolicies bounds the window policies one handler will track.
const DefaultMaxPolicies = 64

// AuthorityOption configures an AuthorityHandler.
type AuthorityOption func(*AuthorityHandler)

// WithMaxPolicies caps the number of distinct window policies. Requests for
// a new policy beyond the cap are rejected as invalid; n <= 0 keeps the
// default.
func WithMaxPolicies(n int) AuthorityOption {
	return func(h *AuthorityHandler) {
		if n > 0 {
			h.maxPolicies = n
		}
	}
}

// NewAuthorityHandler creates an AuthorityHandler whose limiters count in
// backends built by factory.
func NewAuthorityHandler(factory quota.BackendFactory, log *logger.Logger, opts ...AuthorityOption) *AuthorityHandler {
	h := &AuthorityHandler{
		factory:     factory,
		now:         time.Now,
		log:         log,
		maxPolicies: DefaultMaxPolicies,
		limiters:    make(map[string]*quota.Limiter),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Version handles GET /v1/version requests.
func (h *AuthorityHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, authority.VersionResponse{Version: authority.ServerVersion})
}

// Apply handles POST /v1/quotas/apply requests.
func (h *AuthorityHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req authority.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	if req.Interval == 0 {
		req.Interval = 1
	}
	if req.Allow <= 0 {
		status, errResp := mapErrorToResponse(
			fmt.Errorf("%w: allow must be positive, got %d", ratelimit.ErrValidation, req.Allow))
		writeJSON(w, status, errResp)
		return
	}

	limiter, err := h.limiter(r, req)
	if err != nil {
		status, errResp := mapErrorToResponse(err)
		writeJSON(w, status, errResp)
		return
	}

	res, err := limiter.Apply(r.Context(), ratelimit.Request{
		Identifier: req.Identifier,
		Weight:     req.Weight,
		Allow:      req.Allow,
	})
	if err != nil {
		status, errResp := mapErrorToResponse(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("quota apply failed",
				"identifier", req.Identifier,
				"request_id", req.RequestID,
				"error", err,
			)
		}
		writeJSON(w, status, errResp)
		return
	}

	writeJSON(w, http.StatusOK, authority.NewApplyResponse(res, h.now()))
}

// limiter returns the shared limiter for the request's window policy,
// creating it on first use. New policies past maxPolicies are refused.
func (h *AuthorityHandler) limiter(r *http.Request, req authority.ApplyRequest) (*quota.Limiter, error) {
	unit, err := window.ParseUnit(req.TimeUnit)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s-%d", unit, req.Interval)
	var start time.Time
	if req.StartTime > 0 {
		start = time.UnixMilli(req.StartTime).UTC()
		name = fmt.Sprintf("%s-%d", name, req.StartTime)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if l, ok := h.limiters[name]; ok {
		return l, nil
	}
	if len(h.limiters) >= h.maxPolicies {
		h.log.Warn("quota policy limit reached", "policy", name, "max", h.maxPolicies)
		return nil, fmt.Errorf("%w: limit of %d window policies reached", ratelimit.ErrConfiguration, h.maxPolicies)
	}

	l, err := quota.New(r.Context(), quota.Config{
		Name:      name,
		TimeUnit:  string(unit),
		Interval:  req.Interval,
		Allow:     req.Allow,
		StartTime: start,
	}, h.factory)
	if err != nil {
		return nil, err
	}
	h.limiters[name] = l
	h.log.Debug("created quota limiter", "policy", name)
	return l, nil
}

// Len returns the number of window policies seen so far.
func (h *AuthorityHandler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.limiters)
}

// Close closes every limiter created by the handler.
func (h *AuthorityHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, l := range h.limiters {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(h.limiters, name)
	}
	return errors.Join(errs...)
}

// mapErrorToResponse maps limiter errors to HTTP status codes and error responses.
func mapErrorToResponse(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, ratelimit.ErrValidation):
		return http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_REQUEST",
		}
	case errors.Is(err, ratelimit.ErrConfiguration):
		return http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_POLICY",
		}
	case errors.Is(err, ratelimit.ErrUnsupportedConfiguration):
		return http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "UNSUPPORTED_POLICY",
		}
	case errors.Is(err, ratelimit.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{
			Error: "counting backend unavailable",
			Code:  "BACKEND_UNAVAILABLE",
		}
	case errors.Is(err, ratelimit.ErrClosed):
		return http.StatusServiceUnavailable, ErrorResponse{
			Error: "service shutting down",
			Code:  "SHUTTING_DOWN",
		}
	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error: "internal server error",
			Code:  "INTERNAL_ERROR",
		}
	}
}
