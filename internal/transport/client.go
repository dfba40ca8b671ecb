package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUserAgent is sent when no User-Agent header is set.
const DefaultUserAgent = "autoar"

// maxBodySize bounds how much of a response body is kept.
const maxBodySize = 1 << 20

// Client is the interface for the HTTP transport layer.
type Client interface {
	// Do sends an HTTP request and returns the response.
	Do(ctx context.Context, req *Request) (*Response, error)

	// SetRateLimit sets the maximum requests per second.
	SetRateLimit(rps float64)

	// Stats returns transport statistics.
	Stats() *TransportStats
}

// TransportStats holds aggregate statistics for the transport client.
type TransportStats struct {
	TotalRequests  int64
	FailedRequests int64
	TotalDuration  time.Duration
	AvgDuration    time.Duration
}

// ClientOptions holds configuration for creating a new DefaultClient.
type ClientOptions struct {
	// Timeout is the default timeout for all requests.
	Timeout time.Duration

	// ProxyURL is an optional HTTP proxy.
	ProxyURL string

	// UserAgent overrides DefaultUserAgent.
	UserAgent string

	// MaxRPS is the maximum requests per second (0 = unlimited).
	MaxRPS float64
}

// DefaultClient is the default implementation of the Client interface,
// backed by net/http.
type DefaultClient struct {
	httpClient *http.Client
	opts       ClientOptions

	limMu   sync.RWMutex
	limiter *rate.Limiter

	mu              sync.Mutex
	totalRequests   int64
	failedRequests  int64
	totalDurationNs int64
}

var _ Client = (*DefaultClient)(nil)

// NewClient creates a new DefaultClient with the given options.
func NewClient(opts ClientOptions) (*DefaultClient, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		if proxyURL.Scheme == "" || proxyURL.Host == "" {
			return nil, fmt.Errorf("invalid proxy URL: missing scheme or host")
		}
		tr.Proxy = http.ProxyURL(proxyURL)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	dc := &DefaultClient{
		httpClient: &http.Client{
			Transport: tr,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}
	dc.SetRateLimit(opts.MaxRPS)
	return dc, nil
}

// Do sends an HTTP request and returns the response. It applies rate
// limiting, timing measurement and per-request timeout overrides. Non-2xx
// statuses are not errors at this layer.
func (c *DefaultClient) Do(ctx context.Context, req *Request) (*Response, error) {
	c.limMu.RLock()
	limiter := c.limiter
	c.limMu.RUnlock()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		c.record(duration, true)
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		c.record(duration, true)
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	c.record(duration, false)

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
		Duration:   duration,
	}, nil
}

func (c *DefaultClient) record(d time.Duration, failed bool) {
	c.mu.Lock()
	c.totalRequests++
	c.totalDurationNs += d.Nanoseconds()
	if failed {
		c.failedRequests++
	}
	c.mu.Unlock()
}

// SetRateLimit sets the maximum number of requests per second.
// A value of 0 or less disables rate limiting.
func (c *DefaultClient) SetRateLimit(rps float64) {
	c.limMu.Lock()
	defer c.limMu.Unlock()
	if rps <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
}

// Stats returns aggregate transport statistics.
func (c *DefaultClient) Stats() *TransportStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := &TransportStats{
		TotalRequests:  c.totalRequests,
		FailedRequests: c.failedRequests,
		TotalDuration:  time.Duration(c.totalDurationNs),
	}
	if c.totalRequests > 0 {
		stats.AvgDuration = time.Duration(c.totalDurationNs / c.totalRequests)
	}
	return stats
}

// StatusError is returned by the JSON helpers for non-2xx replies.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// SendJSON marshals in (when not nil) as the request body, sends it, and
// decodes a 2xx reply into out (when not nil). Non-2xx replies return the
// response together with a *StatusError.
func SendJSON(ctx context.Context, c Client, method, rawURL string, in, out any) (*Response, error) {
	req := &Request{Method: method, URL: rawURL}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		req.Body = body
		req.ContentType = "application/json"
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return resp, &StatusError{StatusCode: resp.StatusCode, Body: truncate(resp.BodyString(), 256)}
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
