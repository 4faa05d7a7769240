// Package rtdb implements remote.Store on top of a Firebase Realtime
// Database, using its REST API for writes and its server-sent event stream
// for subscriptions.
package rtdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clinicavet/vetsync/internal/remote"
)

// Config holds the database connection settings.
type Config struct {
	// URL is the database root, e.g. https://clinica.firebaseio.com.
	URL string
	// AuthToken is sent as the auth query parameter when set.
	AuthToken string
	// Timeout bounds each REST request.
	Timeout time.Duration
	// WritesPerSecond and Burst throttle REST requests.
	WritesPerSecond float64
	Burst           int
	// MaxTransactionRetries bounds ETag conflict retries.
	MaxTransactionRetries int
	// BreakerFailures consecutive failures open the circuit for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	// ReconnectMin and ReconnectMax bound the stream reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns a Config with sensible defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                   url,
		Timeout:               10 * time.Second,
		WritesPerSecond:       20,
		Burst:                 40,
		MaxTransactionRetries: 25,
		BreakerFailures:       5,
		BreakerTimeout:        15 * time.Second,
		ReconnectMin:          time.Second,
		ReconnectMax:          30 * time.Second,
		Logger:                zap.NewNop(),
	}
}

// Client is a remote.Store backed by the Firebase REST and streaming APIs.
type Client struct {
	cfg     Config
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	limiter *rate.Limiter
	log     *zap.Logger

	mu          sync.Mutex
	streams     map[string]*stream
	up          map[string]bool
	connected   bool
	connSubs    map[int]remote.Handler
	nextConnSub int
}

// New creates a client. No connection is made until the first request or
// subscription.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("database URL is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	def := DefaultConfig(cfg.URL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.WritesPerSecond <= 0 {
		cfg.WritesPerSecond = def.WritesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxTransactionRetries <= 0 {
		cfg.MaxTransactionRetries = def.MaxTransactionRetries
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	log := cfg.Logger.Named("rtdb")
	c := &Client{
		cfg:      cfg,
		http:     resty.New().SetBaseURL(cfg.URL).SetTimeout(cfg.Timeout).SetHeader("Accept", "application/json"),
		limiter:  rate.NewLimiter(rate.Limit(cfg.WritesPerSecond), cfg.Burst),
		log:      log,
		streams:  make(map[string]*stream),
		up:       make(map[string]bool),
		connSubs: make(map[int]remote.Handler),
	}
	c.breaker = gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:    "rtdb",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c, nil
}

func (c *Client) restPath(path string) string {
	return "/" + strings.Trim(path, "/") + ".json"
}

func (c *Client) query() map[string]string {
	if c.cfg.AuthToken == "" {
		return nil
	}
	return map[string]string{"auth": c.cfg.AuthToken}
}

// do runs one REST request through the limiter and circuit breaker and maps
// transport failures onto remote errors.
func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.breaker.Execute(func() (*resty.Response, error) {
		req := c.http.R().SetContext(ctx).SetQueryParams(c.query()).SetHeaders(headers)
		if body != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(body)
		}
		resp, err := req.Execute(method, c.restPath(path))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return resp, fmt.Errorf("server error %d", resp.StatusCode())
		}
		return resp, nil
	})

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		// Transport failures and an open breaker both mean the store is
		// unreachable.
		return nil, fmt.Errorf("%s %s: %w: %v", method, path, remote.ErrDisconnected, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return nil, fmt.Errorf("%s %s: %w", method, path, remote.ErrPermissionDenied)
	case code == http.StatusPreconditionFailed:
		return resp, nil
	case code >= 300:
		return nil, fmt.Errorf("%s %s: unexpected status %d: %s", method, path, code, firebaseError(resp.Body()))
	}
	return resp, nil
}

func firebaseError(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

// Get implements remote.Store.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if remote.IsNull(resp.Body()) {
		return nil, remote.ErrNotFound
	}
	return json.RawMessage(resp.Body()), nil
}

// Push implements remote.Store.
func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	body, err := remote.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode push to %s: %w", path, err)
	}
	resp, err := c.do(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil || out.Name == "" {
		return "", fmt.Errorf("push to %s: missing key in response", path)
	}
	return out.Name, nil
}

// Update implements remote.Store.
func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode update of %s: %w", path, err)
	}
	_, err = c.do(ctx, http.MethodPatch, path, body, nil)
	return err
}

// Set implements remote.Store.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	body, err := remote.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode set of %s: %w", path, err)
	}
	_, err = c.do(ctx, http.MethodPut, path, body, nil)
	return err
}

// Remove implements remote.Store.
func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}

// Transaction implements remote.Store using conditional writes: the
// current value is read with its ETag and written back with if-match.
// A 412 response carries the newer value and ETag and the attempt repeats.
func (c *Client) Transaction(ctx context.Context, path string, fn remote.TransactionFunc) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, map[string]string{"X-Firebase-ETag": "true"})
	if err != nil {
		return false, err
	}
	current, etag := json.RawMessage(resp.Body()), resp.Header().Get("ETag")

	for attempt := 0; attempt <= c.cfg.MaxTransactionRetries; attempt++ {
		next, err := fn(current)
		if errors.Is(err, remote.ErrTransactionAborted) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		method, body := http.MethodPut, []byte(next)
		if remote.IsNull(next) {
			method, body = http.MethodDelete, nil
		}
		resp, err := c.do(ctx, method, path, body, map[string]string{"if-match": etag})
		if err != nil {
			return false, err
		}
		if resp.StatusCode() != http.StatusPreconditionFailed {
			return true, nil
		}

		c.log.Debug("transaction conflict", zap.String("path", path), zap.Int("attempt", attempt+1))
		current, etag = json.RawMessage(resp.Body()), resp.Header().Get("ETag")
	}
	return false, remote.ErrTransactionConflict
}

var _ remote.Store = (*Client)(nil)
