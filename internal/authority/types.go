// Package authority speaks the quota authority HTTP protocol used by
// delegated quotas: a JSON request per apply call and a version probe.
package authority

import (
	"time"

	"github.com/edgequota/edgequota/internal/ratelimit"
)

// ServerVersion is the protocol version served by this module's authority
// handler. Calendar-anchored windows need v1.1.0 or later.
const ServerVersion = "v1.2.0"

// HTTP routes.
const (
	PathApply   = "/v1/quotas/apply"
	PathVersion = "/v1/version"
)

// ApplyRequest asks the authority to count one call.
type ApplyRequest struct {
	Identifier string `json:"identifier"`
	Weight     int64  `json:"weight"`
	Allow      int64  `json:"allow"`
	Interval   int    `json:"interval"`
	TimeUnit   string `json:"timeUnit"`
	StartTime  int64  `json:"startTime,omitempty"` // ms since epoch; zero for rolling windows
	RequestID  string `json:"requestId,omitempty"`
}

// ApplyResponse is the authority's answer. Instants are milliseconds since
// the epoch on the authority's clock.
type ApplyResponse struct {
	Allowed    int64 `json:"allowed"`
	Used       int64 `json:"used"`
	Exceeded   int64 `json:"exceeded"`
	Available  int64 `json:"available"`
	ExpiryTime int64 `json:"expiryTime"`
	Timestamp  int64 `json:"timestamp"`
}

// VersionResponse is returned by the version probe.
type VersionResponse struct {
	Version string `json:"version"`
}

// ErrorResponse is the body of every non-200 response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewApplyResponse converts a limiter result computed at now into the wire
// shape.
func NewApplyResponse(res *ratelimit.Result, now time.Time) ApplyResponse {
	ts := now.UnixMilli()
	exceeded := res.Used - res.Allowed
	if exceeded < 0 {
		exceeded = 0
	}
	return ApplyResponse{
		Allowed:    res.Allowed,
		Used:       res.Used,
		Exceeded:   exceeded,
		Available:  res.Remaining(),
		ExpiryTime: ts + res.ExpiryTime,
		Timestamp:  ts,
	}
}
