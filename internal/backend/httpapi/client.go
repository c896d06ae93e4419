// Package httpapi implements backend.Caller over HTTP/JSON. Calls run on a
// bounded set of worker goroutines and are throttled by a token bucket.
package httpapi

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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/seantiz/lobbylink/internal/backend"
)

// MaxResponseSize is the largest response body the client will read (16 MiB).
const MaxResponseSize = 16 << 20

// Defaults applied by New when the config leaves a field zero.
const (
	DefaultWorkers = 8
	DefaultRPS     = 20
	DefaultBurst   = 40
	DefaultTimeout = 30 * time.Second
)

// RequestIDHeader carries the per-call correlation id.
const RequestIDHeader = "X-Request-Id"

// Config configures a Client.
type Config struct {
	BaseURL string
	// Workers bounds the number of calls in flight.
	Workers int
	RPS     float64
	Burst   int
	// Timeout applies per call on top of the caller's context.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client issues backend calls over HTTP.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	sem     chan struct{}
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// Compile-time interface satisfaction check.
var _ backend.Caller = (*Client)(nil)

// New creates a Client for the platform at cfg.BaseURL.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: unsupported scheme %q", cfg.BaseURL, base.Scheme)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = DefaultRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Client{
		base:    base,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		sem:     make(chan struct{}, workers),
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Issue implements backend.Caller. It returns immediately; the call runs on a
// worker goroutine and invokes exactly one handler.
func (c *Client) Issue(ctx context.Context, req backend.Request, onSuccess backend.SuccessHandler, onError backend.ErrorHandler) {
	c.issue(ctx, "", req, onSuccess, onError)
}

func (c *Client) issue(ctx context.Context, service string, req backend.Request, onSuccess backend.SuccessHandler, onError backend.ErrorHandler) {
	c.wg.Go(func() {
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			onError(backend.CodeCanceled, ctx.Err().Error())
			return
		}
		defer func() { <-c.sem }()

		start := time.Now()
		payload, err := c.do(ctx, req)
		observeRequest(service, req.Method, err, time.Since(start))

		if err != nil {
			var reqErr *backend.RequestError
			if errors.As(err, &reqErr) {
				onError(reqErr.Code, reqErr.Message)
				return
			}
			if ctx.Err() != nil {
				onError(backend.CodeCanceled, err.Error())
				return
			}
			onError(backend.CodeTransport, err.Error())
			return
		}
		onSuccess(payload)
	})
}

// Wait blocks until all in-flight calls have invoked their handlers.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Service returns a Caller that prefixes every request path with basePath and
// labels its metrics with name.
func (c *Client) Service(name, basePath string) backend.Caller {
	return backend.CallerFunc(func(ctx context.Context, req backend.Request, onSuccess backend.SuccessHandler, onError backend.ErrorHandler) {
		if !isAbsolute(req.Path) {
			req.Path = strings.TrimRight(basePath, "/") + "/" + strings.TrimLeft(req.Path, "/")
		}
		c.issue(ctx, name, req, onSuccess, onError)
	})
}

// do performs one HTTP round trip and returns the response body.
func (c *Client) do(ctx context.Context, req backend.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Absolute paths address documents outside the platform, such as
	// legal documents served from a CDN.
	target := c.base.JoinPath(req.Path)
	if isAbsolute(req.Path) {
		u, err := url.Parse(req.Path)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		target = u
	}
	if len(req.Query) > 0 {
		target.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set(RequestIDHeader, requestID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(data) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum %d", MaxResponseSize)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Debug("backend call failed",
			"method", method,
			"path", req.Path,
			"status", resp.StatusCode,
			"request_id", requestID,
		)
		return nil, decodeError(resp.StatusCode, data)
	}
	return data, nil
}

// decodeError maps an error response body to a RequestError. Bodies that do
// not carry a service error code fall back to the HTTP status.
func decodeError(status int, data []byte) *backend.RequestError {
	var re backend.RequestError
	if err := json.Unmarshal(data, &re); err == nil && re.Code != 0 {
		return &re
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &backend.RequestError{Code: status, Message: msg}
}

func isAbsolute(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var re *backend.RequestError
	if errors.As(err, &re) {
		return strconv.Itoa(re.Code)
	}
	return "transport"
}
