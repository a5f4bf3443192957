// Package window computes bucket expiration instants.
// All functions are pure: the same policy and instant always give the same answer.
package window

import (
	"fmt"
	"strings"
	"time"

	"github.com/edgequota/edgequota/internal/ratelimit"
)

// Unit is the base time unit of a window.
type Unit string

// Supported units.
const (
	Second Unit = "second"
	Minute Unit = "minute"
	Hour   Unit = "hour"
	Day    Unit = "day"
	Week   Unit = "week"
	Month  Unit = "month"
)

// ParseUnit parses a unit name, case-insensitively.
func ParseUnit(s string) (Unit, error) {
	u := Unit(strings.ToLower(strings.TrimSpace(s)))
	switch u {
	case Second, Minute, Hour, Day, Week, Month:
		return u, nil
	default:
		return "", fmt.Errorf("%w: unknown time unit %q", ratelimit.ErrConfiguration, s)
	}
}

// Duration returns the fixed length of the unit. Month has no fixed length
// and returns 0.
func (u Unit) Duration() time.Duration {
	switch u {
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	case Week:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Policy describes how buckets expire.
type Policy struct {
	Unit     Unit
	Interval int

	// Start anchors calendar-aligned windows. The zero value selects rolling
	// windows measured from each bucket's first call.
	Start time.Time
}

// Validate reports whether the policy can produce expiration instants.
func (p Policy) Validate() error {
	if _, err := ParseUnit(string(p.Unit)); err != nil {
		return err
	}
	if p.Interval <= 0 {
		return fmt.Errorf("%w: interval must be a positive integer, got %d", ratelimit.ErrConfiguration, p.Interval)
	}
	if p.Anchored() && p.Unit == Month {
		return fmt.Errorf("%w: startTime is not supported with the month unit", ratelimit.ErrConfiguration)
	}
	return nil
}

// Anchored reports whether the policy uses calendar-aligned windows.
func (p Policy) Anchored() bool {
	return !p.Start.IsZero()
}

// Span returns the length of one window. It is 0 for month.
func (p Policy) Span() time.Duration {
	return time.Duration(p.Interval) * p.Unit.Duration()
}

// ExpiresAt returns the instant at which a bucket touched at now resets.
// A bucket is expired once the current instant is at or past this value.
func (p Policy) ExpiresAt(now time.Time) time.Time {
	if p.Unit == Month {
		return endOfMonth(now)
	}

	span := p.Span()
	if !p.Anchored() {
		return now.Add(span)
	}

	remainder := now.Sub(p.Start) % span
	if remainder < 0 {
		remainder += span
	}
	return now.Add(span - remainder)
}

// TTL returns the time left until a bucket touched at now resets.
func (p Policy) TTL(now time.Time) time.Duration {
	return p.ExpiresAt(now).Sub(now)
}

// endOfMonth returns the last millisecond of now's calendar month. At that
// exact millisecond the following month's last millisecond is returned so
// the expiry always lies in the future.
func endOfMonth(now time.Time) time.Time {
	y, m, _ := now.Date()
	end := time.Date(y, m+1, 1, 0, 0, 0, 0, now.Location()).Add(-time.Millisecond)
	if !end.After(now) {
		end = time.Date(y, m+2, 1, 0, 0, 0, 0, now.Location()).Add(-time.Millisecond)
	}
	return end
}
