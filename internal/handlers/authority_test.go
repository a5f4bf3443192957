package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgequota/edgequota/internal/authority"
	"github.com/edgequota/edgequota/internal/quota"
	"github.com/edgequota/edgequota/internal/ratelimit"
	"github.com/edgequota/edgequota/pkg/logger"
)

func newTestAuthority(t *testing.T, factory quota.BackendFactory) *AuthorityHandler {
	t.Helper()
	h := NewAuthorityHandler(factory, logger.Discard())
	h.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func postApply(t *testing.T, h *AuthorityHandler, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, authority.PathApply, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.Apply(rec, req)
	return rec
}

func TestAuthorityHandler_Version(t *testing.T) {
	h := newTestAuthority(t, quota.Memory())

	rec := httptest.NewRecorder()
	h.Version(rec, httptest.NewRequest(http.MethodGet, authority.PathVersion, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp authority.VersionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, authority.ServerVersion, resp.Version)
}

func TestAuthorityHandler_Apply(t *testing.T) {
	h := newTestAuthority(t, quota.Memory(quota.WithSweepInterval(0)))

	req := authority.ApplyRequest{Identifier: "client", Weight: 2, Allow: 3, Interval: 1, TimeUnit: "minute"}

	rec := postApply(t, h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var first authority.ApplyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&first))
	assert.Equal(t, int64(3), first.Allowed)
	assert.Equal(t, int64(2), first.Used)
	assert.Equal(t, int64(0), first.Exceeded)
	assert.Equal(t, int64(1), first.Available)
	assert.Equal(t, int64(1_700_000_000_000), first.Timestamp)
	assert.Greater(t, first.ExpiryTime, first.Timestamp)

	rec = postApply(t, h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var second authority.ApplyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&second))
	assert.Equal(t, int64(4), second.Used)
	assert.Equal(t, int64(1), second.Exceeded)
	assert.Equal(t, int64(0), second.Available)

	// A different ceiling counts against the same bucket.
	req.Allow = 100
	rec = postApply(t, h, req)
	var third authority.ApplyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&third))
	assert.Equal(t, int64(6), third.Used)
	assert.Equal(t, int64(0), third.Exceeded)

	assert.Equal(t, 1, h.Len())
}

func TestAuthorityHandler_PoliciesAreSeparate(t *testing.T) {
	h := newTestAuthority(t, quota.Memory(quota.WithSweepInterval(0)))

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for _, req := range []authority.ApplyRequest{
		{Identifier: "c", Allow: 1, TimeUnit: "minute"},
		{Identifier: "c", Allow: 1, TimeUnit: "minute", Interval: 2},
		{Identifier: "c", Allow: 1, TimeUnit: "minute", StartTime: start},
	} {
		rec := postApply(t, h, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp authority.ApplyResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, int64(1), resp.Used)
	}
	assert.Equal(t, 3, h.Len())
}

func TestAuthorityHandler_PolicyCap(t *testing.T) {
	h := NewAuthorityHandler(quota.Memory(), logger.Discard(), WithMaxPolicies(2))
	t.Cleanup(func() { _ = h.Close() })

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	goroutines := runtime.NumGoroutine()

	for i := 0; i < 50; i++ {
		req := authority.ApplyRequest{Identifier: "c", Allow: 1, TimeUnit: "minute", StartTime: base + int64(i)}
		rec := postApply(t, h, req)
		if i < 2 {
			require.Equal(t, http.StatusOK, rec.Code)
			continue
		}
		require.Equal(t, http.StatusBadRequest, rec.Code)
		var resp ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "INVALID_POLICY", resp.Code)
	}

	assert.Equal(t, 2, h.Len())
	assert.LessOrEqual(t, runtime.NumGoroutine(), goroutines+2)

	t.Run("known policies still served", func(t *testing.T) {
		rec := postApply(t, h, authority.ApplyRequest{Identifier: "d", Allow: 1, TimeUnit: "minute", StartTime: base})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAuthorityHandler_UnitIsNormalized(t *testing.T) {
	h := newTestAuthority(t, quota.Memory(quota.WithSweepInterval(0)))

	var used []int64
	for _, unit := range []string{"minute", "Minute", " MINUTE "} {
		rec := postApply(t, h, authority.ApplyRequest{Identifier: "c", Allow: 5, TimeUnit: unit})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp authority.ApplyResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		used = append(used, resp.Used)
	}

	assert.Equal(t, []int64{1, 2, 3}, used)
	assert.Equal(t, 1, h.Len())
}

func TestAuthorityHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"malformed body", "not an object", http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing identifier", authority.ApplyRequest{Allow: 1, TimeUnit: "minute"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing allow", authority.ApplyRequest{Identifier: "c", TimeUnit: "minute"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"negative weight", authority.ApplyRequest{Identifier: "c", Allow: 1, Weight: -1, TimeUnit: "minute"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown unit", authority.ApplyRequest{Identifier: "c", Allow: 1, TimeUnit: "eon"}, http.StatusBadRequest, "INVALID_POLICY"},
		{"anchored month", authority.ApplyRequest{Identifier: "c", Allow: 1, TimeUnit: "month", StartTime: 1}, http.StatusBadRequest, "INVALID_POLICY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestAuthority(t, quota.Memory(quota.WithSweepInterval(0)))

			rec := postApply(t, h, tt.body)
			assert.Equal(t, tt.status, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

// downStore fails every operation.
type downStore struct{}

func (downStore) IncrBy(context.Context, string, int64) (int64, error) {
	return 0, errors.New("connection refused")
}
func (downStore) Expire(context.Context, string, time.Duration) error {
	return errors.New("connection refused")
}
func (downStore) TTL(context.Context, string) (time.Duration, error) {
	return 0, errors.New("connection refused")
}
func (downStore) Delete(context.Context, string) error { return errors.New("connection refused") }

func TestAuthorityHandler_BackendUnavailable(t *testing.T) {
	h := newTestAuthority(t, quota.Shared(downStore{}))

	rec := postApply(t, h, authority.ApplyRequest{Identifier: "c", Allow: 1, TimeUnit: "minute"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "BACKEND_UNAVAILABLE", resp.Code)
}

func TestAuthorityHandler_Closed(t *testing.T) {
	h := newTestAuthority(t, quota.Memory(quota.WithSweepInterval(0)))
	req := authority.ApplyRequest{Identifier: "c", Allow: 1, TimeUnit: "minute"}

	require.Equal(t, http.StatusOK, postApply(t, h, req).Code)
	require.NoError(t, h.Close())
	assert.Equal(t, 0, h.Len())

	// Closing drops the limiters; the next request builds a fresh one.
	require.Equal(t, http.StatusOK, postApply(t, h, req).Code)
}

// The delegated backend talking to this handler over HTTP behaves like a
// local quota.
func TestAuthorityHandler_DelegatedRoundTrip(t *testing.T) {
	h := newTestAuthority(t, quota.Memory(quota.WithSweepInterval(0)))
	h.now = time.Now

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+authority.PathVersion, h.Version)
	mux.HandleFunc("POST "+authority.PathApply, h.Apply)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	client := authority.NewClient(srv.URL, authority.WithClientLogger(logger.Discard()))

	cfg := quota.Config{
		Name:      "remote",
		TimeUnit:  "hour",
		Interval:  1,
		Allow:     2,
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	l, err := quota.New(ctx, cfg, quota.Delegated(client))
	require.NoError(t, err)
	defer l.Close()

	for i, want := range []bool{true, true, false} {
		res, err := l.Apply(ctx, ratelimit.Request{Identifier: "client"})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), res.Used)
		assert.Equal(t, want, res.IsAllowed)
		assert.Positive(t, res.ExpiryTime)
		assert.LessOrEqual(t, res.ExpiryTime, int64(time.Hour/time.Millisecond))
	}
}
