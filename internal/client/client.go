// Package client is the boundary API client: it attaches credentials, retries
// once after a rejected credential and hands transient failures to the queue.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/vietddude/netsession/internal/apierr"
	"github.com/vietddude/netsession/internal/core/domain"
	"github.com/vietddude/netsession/internal/metrics"
	"github.com/vietddude/netsession/internal/queue"
)

// maxResponseBody caps how much of a response is buffered.
const maxResponseBody = 10 << 20

// Config holds API client settings.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Credentials supplies access credentials.
type Credentials interface {
	GetUsableCredential(ctx context.Context) (string, error)
	ForceRenewFor(ctx context.Context, rejected string) (string, error)
}

// Conditions is the part of the network monitor the client reports to.
type Conditions interface {
	IsOnline() bool
	Observe(sizeBytes int64, d time.Duration)
}

// Enqueuer accepts requests to replay later.
type Enqueuer interface {
	Enqueue(ctx context.Context, req domain.Request, priority domain.Priority, metadata map[string]string) (string, error)
}

// Options controls how a single call is handled.
type Options struct {
	// Queueable lets transient failures and offline calls be queued instead of failing.
	Queueable bool
	Priority  domain.Priority
	Metadata  map[string]string
	// Anonymous skips the credential, for sign-in and sign-up calls.
	Anonymous bool
}

// Response is a successful HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Result is the outcome of Do. Exactly one of Response and Queued is set.
type Result struct {
	Response *Response
	// Queued means the call was accepted for later delivery.
	Queued    bool
	RequestID string
}

// Client sends API requests.
type Client struct {
	cfg   Config
	http  *http.Client
	creds Credentials
	net   Conditions
	queue Enqueuer
	clock clockwork.Clock
	log   *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithClock sets the clock used to time requests.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a client. The queue may be nil, in which case nothing is queued.
func New(cfg Config, creds Credentials, net Conditions, q Enqueuer, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:   cfg,
		http:  &http.Client{},
		creds: creds,
		net:   net,
		queue: q,
		clock: clockwork.NewRealClock(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "client")
	return c
}

// SetQueue attaches the queue after construction, since the queue itself
// sends through the client.
func (c *Client) SetQueue(q Enqueuer) {
	c.queue = q
}

// Do performs req. Failures are returned as *apierr.Error. A retryable failure
// of a queueable call is not an error: the result reports Queued instead.
func (c *Client) Do(ctx context.Context, req domain.Request, opts Options) (*Result, error) {
	if opts.Queueable {
		req = withRequestID(req)
	}
	if opts.Queueable && c.net != nil && !c.net.IsOnline() {
		return c.enqueue(ctx, req, opts, apierr.Classify(apierr.ErrOffline, nil))
	}

	token := ""
	if !opts.Anonymous {
		var err error
		token, err = c.creds.GetUsableCredential(ctx)
		if err != nil {
			return c.fail(ctx, req, opts, err, nil)
		}
	}

	resp, err := c.exchange(ctx, req, token)
	if success(resp, err) {
		return c.succeed(req, resp), nil
	}

	if err == nil && resp.StatusCode == http.StatusUnauthorized && !opts.Anonymous {
		renewed, rerr := c.creds.ForceRenewFor(ctx, token)
		if rerr != nil {
			return c.fail(ctx, req, opts, rerr, nil)
		}
		resp, err = c.exchange(ctx, req, renewed)
		if success(resp, err) {
			return c.succeed(req, resp), nil
		}
		if err == nil && resp.StatusCode == http.StatusUnauthorized {
			c.log.Warn("Credential rejected after renewal", "method", req.Method, "endpoint", req.Endpoint)
			return c.fail(ctx, req, opts, fmt.Errorf("%w: rejected after renewal", apierr.ErrSessionExpired), nil)
		}
	}

	return c.fail(ctx, req, opts, err, resp)
}

// Send performs one attempt for a queued entry. It satisfies queue.Sender.
func (c *Client) Send(ctx context.Context, e *domain.QueuedRequest, token string) (*apierr.Response, error) {
	req := domain.Request{Method: e.Method, Endpoint: e.Endpoint, Headers: e.Headers, Body: e.Body}
	resp, err := c.exchange(ctx, req, token)
	if err != nil {
		return nil, err
	}
	return &apierr.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

func (c *Client) succeed(req domain.Request, resp *Response) *Result {
	metrics.RequestsTotal.WithLabelValues(req.Method, "success").Inc()
	return &Result{Response: resp}
}

// fail classifies a failure and either queues the call or returns the error.
func (c *Client) fail(ctx context.Context, req domain.Request, opts Options, err error, resp *Response) (*Result, error) {
	var raw *apierr.Response
	if resp != nil {
		raw = &apierr.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}
	}
	cls := apierr.Classify(err, raw)
	metrics.RequestErrors.WithLabelValues(string(cls.Category)).Inc()

	if cls.Retryable && opts.Queueable {
		return c.enqueue(ctx, req, opts, cls)
	}

	metrics.RequestsTotal.WithLabelValues(req.Method, "error").Inc()
	if err == nil {
		err = fmt.Errorf("%s %s: status %d", req.Method, req.Endpoint, cls.StatusCode)
	}
	var classified *apierr.Error
	if errors.As(err, &classified) {
		return nil, classified
	}
	return nil, apierr.New(cls, err)
}

func (c *Client) enqueue(ctx context.Context, req domain.Request, opts Options, cls apierr.Classification) (*Result, error) {
	if c.queue == nil {
		return nil, apierr.New(cls, fmt.Errorf("%s %s: no queue to defer to", req.Method, req.Endpoint))
	}
	id, err := c.queue.Enqueue(ctx, req, opts.Priority, opts.Metadata)
	if err != nil {
		return nil, apierr.New(cls, fmt.Errorf("queue %s %s: %w", req.Method, req.Endpoint, err))
	}
	metrics.RequestsTotal.WithLabelValues(req.Method, "queued").Inc()
	c.log.Info("Request queued",
		"id", id,
		"method", req.Method,
		"endpoint", req.Endpoint,
		"category", cls.Category,
	)
	return &Result{Queued: true, RequestID: id}, nil
}

// exchange performs a single HTTP round trip and feeds its timing to the monitor.
func (c *Client) exchange(ctx context.Context, req domain.Request, token string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), c.cfg.BaseURL+req.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := c.clock.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	elapsed := c.clock.Since(start)
	metrics.RequestLatency.WithLabelValues(httpReq.Method).Observe(elapsed.Seconds())
	if c.net != nil {
		c.net.Observe(int64(len(data)), elapsed)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func success(resp *Response, err error) bool {
	return err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300
}

// withRequestID gives a queueable call its idempotency key before the first
// attempt, so the server sees the same key on every replay.
func withRequestID(req domain.Request) domain.Request {
	if req.Headers[queue.HeaderRequestID] != "" {
		return req
	}
	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	headers[queue.HeaderRequestID] = uuid.NewString()
	req.Headers = headers
	return req
}
