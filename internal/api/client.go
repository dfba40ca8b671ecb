package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/0x6d61/autoar/internal/scan"
	"github.com/0x6d61/autoar/internal/transport"
)

// Error is a non-2xx reply from the API. It matches the scan sentinel
// errors through errors.Is.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	SessionID  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %s (HTTP %d)", e.Message, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return codeErrors[e.Code]
}

// Client talks to a running autoar server.
type Client struct {
	base string
	http transport.Client
}

// NewClient creates a client for the server at baseURL, e.g.
// "http://localhost:5000".
func NewClient(baseURL string, c transport.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("api: invalid server URL %q", baseURL)
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: c}, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base + "/api/" + strings.Join(escaped, "/")
}

func (c *Client) call(ctx context.Context, method, rawURL string, in, out any) error {
	resp, err := transport.SendJSON(ctx, c.http, method, rawURL, in, out)
	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) {
		apiErr := &Error{StatusCode: statusErr.StatusCode, Message: http.StatusText(statusErr.StatusCode)}
		var body ErrorResponse
		if resp != nil && json.Unmarshal(resp.Body, &body) == nil && body.Error != "" {
			apiErr.Code = body.Code
			apiErr.Message = body.Error
			apiErr.SessionID = body.SessionID
		}
		return apiErr
	}
	return err
}

// StartScan requests a scan. A launch failure returns an *Error that still
// carries the session ID.
func (c *Client) StartScan(ctx context.Context, domain string, opts *OptionsRequest) (*StartResponse, error) {
	var out StartResponse
	if err := c.call(ctx, http.MethodPost, c.endpoint("scan"), StartRequest{Domain: domain, Options: opts}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StopScan(ctx context.Context, domain string) (*StopResponse, error) {
	var out StopResponse
	if err := c.call(ctx, http.MethodDelete, c.endpoint("scan", domain), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, domain string) (scan.Snapshot, error) {
	var out StatusResponse
	if err := c.call(ctx, http.MethodGet, c.endpoint("scan", domain), nil, &out); err != nil {
		return scan.Snapshot{}, err
	}
	return out.Scan.Snapshot(), nil
}

func (c *Client) List(ctx context.Context) ([]scan.Snapshot, error) {
	var out ListResponse
	if err := c.call(ctx, http.MethodGet, c.endpoint("scans"), nil, &out); err != nil {
		return nil, err
	}
	return snapshots(out.Scans), nil
}

// Results returns archived sessions for domain, newest first. limit <= 0
// uses the server default.
func (c *Client) Results(ctx context.Context, domain string, limit int) ([]scan.Snapshot, error) {
	u := c.endpoint("results", domain)
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var out ResultsResponse
	if err := c.call(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return snapshots(out.Results), nil
}

func (c *Client) Health(ctx context.Context) error {
	var out HealthResponse
	if err := c.call(ctx, http.MethodGet, c.endpoint("health"), nil, &out); err != nil {
		return err
	}
	if out.Status != "healthy" {
		return fmt.Errorf("api: server reports status %q", out.Status)
	}
	return nil
}

func snapshots(sessions []Session) []scan.Snapshot {
	out := make([]scan.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}
