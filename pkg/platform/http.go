package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxResponseBytes bounds buffered response bodies.
const maxResponseBytes = 10 << 20

// closingTimeout bounds the blocking send performed in closing mode.
const closingTimeout = 2 * time.Second

// HTTPClient is the net/http implementation of HTTP.
type HTTPClient struct {
	client    *http.Client
	userAgent string
	allowBody bool
	log       *slog.Logger
}

// HTTPOption customizes an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithBodyMethods controls whether REPORT requests are allowed.
func WithBodyMethods(allowed bool) HTTPOption {
	return func(c *HTTPClient) { c.allowBody = allowed }
}

// WithLogger sets the logger used for closing mode failures.
func WithLogger(log *slog.Logger) HTTPOption {
	return func(c *HTTPClient) {
		if log != nil {
			c.log = log
		}
	}
}

// NewHTTPClient wraps an *http.Client. A nil client uses http.DefaultClient.
func NewHTTPClient(client *http.Client, userAgent string, opts ...HTTPOption) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	c := &HTTPClient{
		client:    client,
		userAgent: userAgent,
		allowBody: true,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AllowsBodyMethods implements HTTP.
func (c *HTTPClient) AllowsBodyMethods() bool {
	return c.allowBody
}

// Do implements HTTP.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Unloading {
		return c.doClosing(ctx, req), nil
	}
	return c.do(ctx, req)
}

// doClosing sends synchronously, detached from ctx cancellation so a
// shutting-down caller does not abort it, and reports success regardless.
func (c *HTTPClient) doClosing(ctx context.Context, req *Request) *Response {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closingTimeout)
	defer cancel()

	if _, err := c.do(sendCtx, req); err != nil {
		c.log.Debug("closing mode send failed", slog.String("url", req.URL), slog.Any("error", err))
	}
	return &Response{Status: http.StatusOK, Header: http.Header{}}
}

func (c *HTTPClient) do(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if c.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
