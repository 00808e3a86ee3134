// Package jobclient issues rephrase job requests against the remote
// generation service and opens their event streams.
package jobclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/stream"
	"github.com/google/uuid"
)

const (
	// DefaultBaseURL is where the service listens in local development.
	DefaultBaseURL = "http://localhost:8000"

	// DefaultTimeout bounds job creation, cancellation and health checks.
	// Event streams are not bounded.
	DefaultTimeout = 30 * time.Second

	defaultUserAgent = "rephrase-go/1.0"
	maxErrorBody     = 4 << 10
)

var errEmptyJobID = errors.New("service returned an empty request_id")

// Client is the Job Client for the rephrase service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	streamHTTP *http.Client
	timeout    time.Duration
	userAgent  string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for all requests. Its Timeout, if any,
// also applies to event streams.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
		c.streamHTTP = hc
	}
}

// WithTimeout sets the per-request timeout for create, cancel and ping.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{},
		streamHTTP: &http.Client{},
		timeout:    DefaultTimeout,
		userAgent:  defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

type createRequest struct {
	Text   string   `json:"text"`
	Styles []string `json:"styles"`
}

type createResponse struct {
	RequestID string `json:"request_id"`
}

// CreateJob submits text for rewriting in the given styles and returns the
// job identifier. Failures are reported as *TransportError.
func (c *Client) CreateJob(ctx context.Context, text string, styles []string) (string, error) {
	body, err := json.Marshal(createRequest{Text: text, Styles: styles})
	if err != nil {
		return "", &TransportError{Op: OpCreate, Err: fmt.Errorf("marshal request body: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("v1", "rephrase"), bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{Op: OpCreate, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Op: OpCreate, Err: err}
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(OpCreate, resp)
	}

	var out createResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &TransportError{Op: OpCreate, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.RequestID == "" {
		return "", &TransportError{Op: OpCreate, StatusCode: resp.StatusCode, Err: errEmptyJobID}
	}

	c.logger.Debug("Rephrase job created", "job_id", out.RequestID, "styles", len(styles), "text_length", len(text))
	return out.RequestID, nil
}

// CancelJob asks the service to stop producing output for jobID.
// A 404 means the job already finished and is not an error.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodDelete, c.endpoint("v1", "rephrase", url.PathEscape(jobID)), nil)
	if err != nil {
		return &TransportError{Op: OpCancel, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: OpCancel, Err: err}
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		c.logger.Debug("Rephrase job canceled", "job_id", jobID)
		return nil
	case resp.StatusCode == http.StatusNotFound:
		c.logger.Debug("Rephrase job already finished", "job_id", jobID)
		return nil
	default:
		return statusError(OpCancel, resp)
	}
}

// Subscribe opens the event stream for jobID. The stream stays open until the
// service ends it, ctx is canceled, or the subscription is closed.
func (c *Client) Subscribe(ctx context.Context, jobID string) (stream.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	u := c.endpoint("v1", "rephrase", "stream")
	u.RawQuery = url.Values{"request_id": {jobID}}.Encode()

	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: OpSubscribe, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: OpSubscribe, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer drainAndClose(resp.Body)
		return nil, statusError(OpSubscribe, resp)
	}

	c.logger.Debug("Rephrase stream opened", "job_id", jobID)
	return newHTTPSubscription(jobID, resp.Body, cancel, c.logger), nil
}

// Ping checks that the service answers on its root endpoint.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(), nil)
	if err != nil {
		return &TransportError{Op: OpPing, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: OpPing, Err: err}
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(OpPing, resp)
	}
	return nil
}

func (c *Client) endpoint(segments ...string) *url.URL {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	return u.JoinPath(segments...)
}

func (c *Client) newRequest(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func statusError(op string, resp *http.Response) *TransportError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &TransportError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}
