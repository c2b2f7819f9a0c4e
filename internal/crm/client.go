// Package crm is the HTTP client for the CRM backend's voice-agent endpoints:
// the agent directory, the API key status and the post-call analysis.
//
// None of these calls are part of a live session. The directory is read
// before a session starts and the analysis is requested after it closed.
// Every call runs through a [resilience.CircuitBreaker]; throttling (HTTP 429)
// surfaces as [ErrRateLimited] and does not count against the breaker.
package crm

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


	"github.com/MrWong99/livecall/internal/observe"
	"github.com/MrWong99/livecall/internal/resilience"
)

// ErrRateLimited is returned when the backend throttled the request (HTTP 429).
// Inspect the [*StatusError] for the Retry-After hint.
var ErrRateLimited = errors.New("crm: rate limited")

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4 << 10

// StatusError is returned for any non-2xx response.
type StatusError struct {
	// Op is the client operation ("agents", "api_key_status", "analyse").
	Op         string
	StatusCode int
	Body       string

	// RetryAfter is the server's Retry-After hint; zero when absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("crm: %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("crm: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Unwrap lets errors.Is(err, ErrRateLimited) match throttled responses.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return nil
}

// Agent is one entry of the agent directory.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	VoiceName    string   `json:"voiceName"`
	LanguageCode string   `json:"languageCode"`
	Objectives   []string `json:"objectives"`
}

// KeyStatus reports whether the agent backend's API key is configured.
type KeyStatus struct {
	Configured bool `json:"configured"`
}

// Analysis is the post-call report for one agent conversation.
type Analysis struct {
	Analysis string `json:"analysis"`
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithBreaker overrides the circuit breaker configuration. The classifier is
// always replaced so that throttling and client errors never trip it.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(cl *Client) { cl.breakerCfg = cfg }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// ── Client ────────────────────────────────────────────────────────────────────

// Client talks to the CRM backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	metrics    *observe.Metrics
	breakerCfg resilience.CircuitBreakerConfig
	breaker    *resilience.CircuitBreaker
}

// New creates a client for the backend at baseURL. apiKey, when non-empty, is
// sent as a bearer token.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		http:       &http.Client{Timeout: 30 * time.Second},
		breakerCfg: resilience.CircuitBreakerConfig{Name: "crm"},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.breakerCfg.IsFailure = isBackendFailure
	c.breaker = resilience.NewCircuitBreaker(c.breakerCfg)
	return c
}

// ListAgents returns the agent directory.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.do(ctx, "agents", http.MethodGet, "/api/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// Agent returns the directory entry with the given id.
func (c *Client) Agent(ctx context.Context, id string) (Agent, error) {
	agents, err := c.ListAgents(ctx)
	if err != nil {
		return Agent{}, err
	}
	for _, a := range agents {
		if a.ID == id {
			return a, nil
		}
	}
	return Agent{}, fmt.Errorf("crm: agent %q not found", id)
}

// APIKeyStatus reports whether the agent backend has an API key configured.
func (c *Client) APIKeyStatus(ctx context.Context) (KeyStatus, error) {
	var st KeyStatus
	err := c.do(ctx, "api_key_status", http.MethodGet, "/api/api-key-status", nil, &st)
	return st, err
}

// Analyse requests the post-call analysis of the latest conversation with
// agentID. Returns an error wrapping [ErrRateLimited] when throttled.
func (c *Client) Analyse(ctx context.Context, agentID string) (Analysis, error) {
	var a Analysis
	body := map[string]string{"agentId": agentID}
	err := c.do(ctx, "analyse", http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/analyse", body, &a)
	return a, err
}

// BreakerState exposes the breaker for readiness reporting.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// do performs one JSON round trip through the circuit breaker.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	ctx, span := observe.StartSpan(ctx, "crm."+op)
	defer span.End()

	start := time.Now()
	status := "error"
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		code, err := c.roundTrip(ctx, op, method, path, in, out)
		if code != 0 {
			status = strconv.Itoa(code)
		}
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		status = "circuit_open"
		err = fmt.Errorf("crm: %s: %w", op, err)
	}
	c.metrics.RecordBackendRequest(ctx, op, status, time.Since(start))

	if err != nil {
		observe.Fail(span, err)
		observe.Logger(ctx).Warn("crm: request failed", "op", op, "status", status, "err", err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("crm: %s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("crm: %s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("crm: %s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &StatusError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("crm: %s: decode response: %w", op, err)
		}
	}
	return resp.StatusCode, nil
}

// isBackendFailure counts transport errors and 5xx responses against the
// breaker; throttling, other 4xx and cancellations do not.
func isBackendFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return true
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
