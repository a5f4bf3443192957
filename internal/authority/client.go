package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/edgequota/edgequota/pkg/logger"
)

// StatusError is returned when the authority answers with a non-200 status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

// BreakerConfig configures the client circuit breaker.
type BreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed in half-open state
	MaxRequests uint32

	// Interval is the cyclic period of the closed state to clear counts
	Interval time.Duration

	// Timeout is how long to stay open before probing again
	Timeout time.Duration

	// FailureThreshold is the failure ratio that trips the breaker
	FailureThreshold float64

	// MinRequests is the minimum number of requests before the ratio counts
	MinRequests uint32
}

// DefaultBreakerConfig returns the breaker settings used by NewClient.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// Client calls a remote quota authority over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     *logger.Logger
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	timeout time.Duration
	http    *http.Client
	breaker BreakerConfig
	rps     float64
	burst   int
	log     *logger.Logger
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.http = c }
}

// WithBreaker replaces the circuit breaker settings.
func WithBreaker(cfg BreakerConfig) ClientOption {
	return func(o *clientOptions) { o.breaker = cfg }
}

// WithRequestRate caps outbound requests to rps with the given burst.
// Callers block until a token is available or their context ends.
func WithRequestRate(rps float64, burst int) ClientOption {
	return func(o *clientOptions) {
		o.rps = rps
		o.burst = burst
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(log *logger.Logger) ClientOption {
	return func(o *clientOptions) { o.log = log }
}

// NewClient constructs a client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	o := clientOptions{
		timeout: 5 * time.Second,
		breaker: DefaultBreakerConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	httpClient := o.http
	if httpClient == nil {
		httpClient = &http.Client{Timeout: o.timeout}
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
		log:     o.log,
	}
	if o.rps > 0 {
		burst := o.burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(o.rps), burst)
	}
	c.breaker = newBreaker(baseURL, o.breaker, o.log)
	return c
}

func newBreaker(name string, cfg BreakerConfig, log *logger.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		// Client errors mean the authority is healthy.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("authority circuit breaker state changed",
				"circuit", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// State returns the circuit breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// Apply asks the authority to count one call.
func (c *Client) Apply(ctx context.Context, req ApplyRequest) (*ApplyResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var res ApplyResponse
	if err := c.do(ctx, http.MethodPost, PathApply, payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Version returns the authority's protocol version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var res VersionResponse
	if err := c.do(ctx, http.MethodGet, PathVersion, nil, &res); err != nil {
		return "", err
	}
	return res.Version, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("authority throttle: %w", err)
		}
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(ctx, method, path, payload)
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeHTTPError(resp.StatusCode, body)
	}
	return body, nil
}

func decodeHTTPError(status int, body []byte) error {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != "" {
		return &StatusError{Code: status, Message: resp.Error}
	}
	return &StatusError{Code: status}
}
