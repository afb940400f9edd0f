package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"sceneforge/internal/services"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 512
)

// Config captures the settings required to talk to the backend.
type Config struct {
	BaseURL  string
	ClientID string
	Timeout  time.Duration
}

// Client issues requests against the backend HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a backend client.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := &Client{
		cfg: Config{
			BaseURL:  strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			ClientID: strings.TrimSpace(cfg.ClientID),
			Timeout:  timeout,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, body)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// IsTransient reports whether err is a retryable backend failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	if errors.Is(err, services.ErrTransient) || errors.Is(err, services.ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryAfter returns the server-provided backoff hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

// Submit queues a workflow graph and returns the assigned job id.
func (c *Client) Submit(ctx context.Context, graph any) (JobID, error) {
	const op = "backend submit"
	body := SubmitRequest{Prompt: graph, ClientID: c.cfg.ClientID}
	var resp submitResponse
	if err := c.doJSON(ctx, op, http.MethodPost, "/prompt", nil, body, &resp); err != nil {
		return "", err
	}
	if len(resp.NodeErrors) > 0 {
		encoded, _ := json.Marshal(resp.NodeErrors)
		return "", services.Wrap(services.ErrValidation, "backend", "submit", "workflow rejected: "+truncate(string(encoded)), nil)
	}
	id := strings.TrimSpace(resp.PromptID)
	if id == "" {
		return "", services.Wrap(services.ErrExternalTool, "backend", "submit", "response missing prompt_id", nil)
	}
	return JobID(id), nil
}

// History returns the history entry for one job. The boolean is false when
// the backend has no record yet.
func (c *Client) History(ctx context.Context, id JobID) (HistoryEntry, bool, error) {
	const op = "backend history"
	if strings.TrimSpace(string(id)) == "" {
		return HistoryEntry{}, false, errors.New("backend history: job id required")
	}
	var resp map[string]HistoryEntry
	if err := c.doJSON(ctx, op, http.MethodGet, "/history/"+url.PathEscape(string(id)), nil, nil, &resp); err != nil {
		return HistoryEntry{}, false, err
	}
	entry, ok := resp[string(id)]
	return entry, ok, nil
}

// RecentHistory returns up to maxItems of the most recent history entries.
func (c *Client) RecentHistory(ctx context.Context, maxItems int) (map[JobID]HistoryEntry, error) {
	const op = "backend recent history"
	query := url.Values{}
	if maxItems > 0 {
		query.Set("max_items", strconv.Itoa(maxItems))
	}
	var resp map[string]HistoryEntry
	if err := c.doJSON(ctx, op, http.MethodGet, "/history", query, nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[JobID]HistoryEntry, len(resp))
	for id, entry := range resp {
		out[JobID(id)] = entry
	}
	return out, nil
}

// DeviceStats returns the backend's device report.
func (c *Client) DeviceStats(ctx context.Context) (DeviceStats, error) {
	const op = "backend system stats"
	var resp DeviceStats
	if err := c.doJSON(ctx, op, http.MethodGet, "/system_stats", nil, nil, &resp); err != nil {
		return DeviceStats{}, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, payload, out any) error {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, path)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "backend", op, "build url", err)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%s: new request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return services.Wrap(services.ErrTransient, "backend", op, fmt.Sprintf("http error (timeout=%s)", c.cfg.Timeout), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return services.Wrap(services.ErrTransient, "backend", op, "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &StatusError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(raw)),
			RetryAfter: retryAfter,
		}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return services.Wrap(services.ErrExternalTool, "backend", op, "decode response", err)
	}
	return nil
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrorBody {
		return s
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
