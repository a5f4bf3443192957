package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/edgequota/edgequota/internal/metrics"
	"github.com/edgequota/edgequota/internal/ratelimit"
	"github.com/edgequota/edgequota/pkg/logger"
)

// RateLimitConfig holds configuration for the rate limit middleware.
type RateLimitConfig struct {
	TrustProxy     bool     // Trust X-Forwarded-For header
	APIKeyHeader   string   // Header name for API key (e.g., "X-API-Key")
	TrustedProxies []string // List of trusted proxy IPs
	Logger         *logger.Logger
}

// RateLimitResponse is the JSON response for rate limited requests.
type RateLimitResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int64  `json:"retry_after"`
}

// RateLimit returns a middleware that applies each request to limiter under
// the caller's identity. Limiter errors fail open.
func RateLimit(limiter ratelimit.Limiter, cfg RateLimitConfig) Middleware {
	ips := newIPResolver(cfg.TrustProxy, cfg.TrustedProxies)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := getIdentifier(r, cfg.APIKeyHeader, ips)

			result, err := limiter.Apply(r.Context(), ratelimit.Request{Identifier: identifier})
			if err != nil {
				cfg.Logger.Warn("rate limiter unavailable, allowing request",
					"identifier", identifier,
					"request_id", GetRequestID(r.Context()),
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, result)

			if !result.IsAllowed {
				metrics.RecordRateLimited()
				writeRateLimitResponse(w, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getIdentifier determines the rate limit identifier for the request.
// It prefers API key if configured and provided, otherwise uses client IP.
func getIdentifier(r *http.Request, apiKeyHeader string, ips ipResolver) string {
	if apiKeyHeader != "" {
		if apiKey := r.Header.Get(apiKeyHeader); apiKey != "" {
			return "api:" + apiKey
		}
	}

	// Prefer the IP resolved by the ClientIP middleware
	ip := GetClientIP(r.Context())
	if ip == "" {
		ip = ips.resolve(r)
	}
	return "ip:" + ip
}

// retryAfterSeconds rounds a millisecond wait up to whole seconds, at least 1.
func retryAfterSeconds(ms int64) int64 {
	secs := (ms + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return secs
}

// setRateLimitHeaders sets the rate limit headers on the response.
func setRateLimitHeaders(w http.ResponseWriter, result *ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Allowed, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining(), 10))

	if result.ExpiryTime > 0 {
		reset := time.Now().Add(time.Duration(result.ExpiryTime) * time.Millisecond).Unix()
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
	}

	if !result.IsAllowed {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(result.ExpiryTime), 10))
	}
}

// writeRateLimitResponse writes the 429 response.
func writeRateLimitResponse(w http.ResponseWriter, result *ratelimit.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(RateLimitResponse{
		Error:      "rate limit exceeded",
		Code:       "RATE_LIMIT_EXCEEDED",
		RetryAfter: retryAfterSeconds(result.ExpiryTime),
	})
}
