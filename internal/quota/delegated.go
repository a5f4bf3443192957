package quota

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/edgequota/edgequota/internal/authority"
	"github.com/edgequota/edgequota/internal/ratelimit"
	"github.com/edgequota/edgequota/internal/window"
)

// minCalendarVersion is the first authority version that honors startTime.
const minCalendarVersion = "v1.1.0"

// Authority is a remote quota authority.
type Authority interface {
	Apply(ctx context.Context, req authority.ApplyRequest) (*authority.ApplyResponse, error)
	Version(ctx context.Context) (string, error)
}

// DelegatedBackend forwards every call to a remote Authority.
type DelegatedBackend struct {
	auth   Authority
	policy window.Policy
}

// Delegated returns a factory for DelegatedBackend. When the policy is
// calendar-anchored the factory probes the authority version and returns
// ratelimit.ErrUnsupportedConfiguration for authorities that would silently
// fall back to rolling windows.
func Delegated(auth Authority) BackendFactory {
	return func(ctx context.Context, spec Spec) (Backend, error) {
		if auth == nil {
			return nil, fmt.Errorf("%w: authority is required", ratelimit.ErrConfiguration)
		}
		if spec.Policy.Anchored() {
			if err := probeCalendarSupport(ctx, auth); err != nil {
				return nil, err
			}
		}
		return &DelegatedBackend{auth: auth, policy: spec.Policy}, nil
	}
}

func probeCalendarSupport(ctx context.Context, auth Authority) error {
	v, err := auth.Version(ctx)
	if err != nil {
		return fmt.Errorf("%w: version probe: %v", ratelimit.ErrBackendUnavailable, err)
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: authority reported unparseable version %q", ratelimit.ErrUnsupportedConfiguration, v)
	}
	if semver.Compare(v, minCalendarVersion) < 0 {
		return fmt.Errorf("%w: authority %s does not support startTime (need %s)",
			ratelimit.ErrUnsupportedConfiguration, v, minCalendarVersion)
	}
	return nil
}

// Apply sends the call to the authority and translates its answer.
func (d *DelegatedBackend) Apply(ctx context.Context, call Call) (*ratelimit.Result, error) {
	req := authority.ApplyRequest{
		Identifier: call.Key,
		Weight:     call.Weight,
		Allow:      call.Allow,
		Interval:   d.policy.Interval,
		TimeUnit:   string(d.policy.Unit),
	}
	if d.policy.Anchored() {
		req.StartTime = d.policy.Start.UnixMilli()
	}

	resp, err := d.auth.Apply(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ratelimit.ErrBackendUnavailable, err)
	}

	expiry := resp.ExpiryTime - resp.Timestamp
	if expiry < 0 {
		expiry = 0
	}
	return &ratelimit.Result{
		Allowed:    resp.Allowed,
		Used:       resp.Used,
		IsAllowed:  resp.Exceeded == 0,
		ExpiryTime: expiry,
	}, nil
}

// Reset is not part of the authority protocol.
func (d *DelegatedBackend) Reset(_ context.Context, _ string) error {
	return fmt.Errorf("%w: reset is not supported by delegated quotas", ratelimit.ErrUnsupportedConfiguration)
}

// Close is a no-op; the authority client is owned by the caller.
func (d *DelegatedBackend) Close() error {
	return nil
}
