package checkin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Client sends check-ins to the control plane.
type Client interface {
	CheckIn(ctx context.Context, req *Request) (*Response, error)
}

// ConfigClient fetches remote configuration revisions.
type ConfigClient interface {
	GetConfig(ctx context.Context, integration string, revision *int) (*RemoteConfig, error)
}

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// IsClientError reports whether err is a 400 or 404 response. Those mean
// the request itself is wrong and must not be retried.
func IsClientError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusNotFound
}

// retryable reports whether a failed request may succeed if repeated.
func retryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return true
	}
	return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
}

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 200ms)
	MaxInterval         time.Duration // Maximum retry interval (default 5s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 20s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      20 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// NewBackOff builds a context-aware exponential backoff policy.
func (c RetryConfig) NewBackOff(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.InitialInterval
	policy.MaxInterval = c.MaxInterval
	policy.MaxElapsedTime = c.MaxElapsedTime
	policy.Multiplier = c.Multiplier
	policy.RandomizationFactor = c.RandomizationFactor
	return backoff.WithContext(policy, ctx)
}

// ClientConfig configures HTTPClient.
type ClientConfig struct {
	BaseURL    string       // e.g. https://api.cognitedata.com
	Project    string       // Project name used in the URL path
	Token      string       // Optional bearer token
	HTTPClient *http.Client // Defaults to a client with Timeout
	Timeout    time.Duration
	Retry      RetryConfig
	Logger     *zap.Logger
}

// HTTPClient talks to the integrations API with retries and a circuit breaker.
type HTTPClient struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "integrations-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker changed state",
				zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
		IsSuccessful: func(err error) bool {
			// Rejected requests and cancellation say nothing about server health
			if err == nil || !retryable(err) {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &HTTPClient{
		cfg:     cfg,
		http:    httpClient,
		breaker: breaker,
		logger:  logger,
	}
}

// CheckIn posts a check-in request.
func (c *HTTPClient) CheckIn(ctx context.Context, req *Request) (*Response, error) {
	var resp Response
	if err := c.do(ctx, http.MethodPost, "integrations/checkin", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetConfig fetches a configuration revision. A nil revision returns the latest.
func (c *HTTPClient) GetConfig(ctx context.Context, integration string, revision *int) (*RemoteConfig, error) {
	query := url.Values{}
	query.Set("integration", integration)
	if revision != nil {
		query.Set("revision", strconv.Itoa(*revision))
	}

	var cfg RemoteConfig
	if err := c.do(ctx, http.MethodGet, "integrations/config", query, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// do executes one API call, retrying transient failures.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	var lastErr error
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.send(ctx, method, path, query, payload, out)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			if lastErr != nil {
				return backoff.Permanent(fmt.Errorf("%w: %w", err, lastErr))
			}
			return backoff.Permanent(err)
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("Retrying request", zap.String("path", path), zap.Duration("wait", wait), zap.Error(err))
	}

	return backoff.RetryNotify(operation, c.cfg.Retry.NewBackOff(ctx), notify)
}

func (c *HTTPClient) send(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	endpoint := fmt.Sprintf("%s/api/v1/projects/%s/%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(c.cfg.Project), path)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
