package middleware

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderXRequestID    = "X-Request-ID"
	HeaderXForwardedFor = "X-Forwarded-For"
	HeaderXRealIP       = "X-Real-IP"
)

const requestIDMaxLength = 128

var validRequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)

// RequestID propagates a safe X-Request-ID from the caller or generates a
// UUID v4, and echoes it on the response.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderXRequestID)
			if !isValidRequestID(id) {
				id = uuid.New().String()
			}
			w.Header().Set(HeaderXRequestID, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDKey, id)))
		})
	}
}

func isValidRequestID(id string) bool {
	if id == "" || len(id) > requestIDMaxLength {
		return false
	}
	return validRequestIDRegex.MatchString(id)
}

// ipResolver works out the caller's address. Forwarding headers are read
// only when trust is on and, if a trusted set is given, the peer is in it.
type ipResolver struct {
	trust   bool
	trusted map[string]bool
}

func newIPResolver(trust bool, trustedProxies []string) ipResolver {
	set := make(map[string]bool, len(trustedProxies))
	for _, ip := range trustedProxies {
		set[ip] = true
	}
	return ipResolver{trust: trust, trusted: set}
}

func (res ipResolver) resolve(r *http.Request) string {
	peer := hostOnly(r.RemoteAddr)
	if !res.trust || (len(res.trusted) > 0 && !res.trusted[peer]) {
		return peer
	}

	// Leftmost X-Forwarded-For entry is the original client.
	if xff := r.Header.Get(HeaderXForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get(HeaderXRealIP)); xri != "" {
		return xri
	}
	return peer
}

// ClientIP stores the resolved client address in the request context.
func ClientIP(trustProxy bool, trustedProxies []string) Middleware {
	res := newIPResolver(trustProxy, trustedProxies)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), ClientIPKey, res.resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// hostOnly strips the port from host:port; bare hosts pass through.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
