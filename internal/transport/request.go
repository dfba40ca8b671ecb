// Package transport is the outbound HTTP layer shared by webhook delivery
// and the CLI's API client.
package transport

import (
	"net/http"
	"time"
)

// Request is an outbound HTTP request.
type Request struct {
	// Method is the HTTP method. Empty means GET.
	Method string

	URL string

	Headers map[string]string

	Body []byte

	// ContentType is the Content-Type header value.
	ContentType string

	// Timeout overrides the client-level timeout for this request. Zero
	// means use the client default.
	Timeout time.Duration
}

// Clone returns a deep copy of the Request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}

	clone := &Request{
		Method:      r.Method,
		URL:         r.URL,
		ContentType: r.ContentType,
		Timeout:     r.Timeout,
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	if r.Headers != nil {
		clone.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			clone.Headers[k] = v
		}
	}
	return clone
}

// Response is the fully read reply to a Request.
type Response struct {
	StatusCode int

	Headers http.Header

	// Body is the raw response body, truncated to the client's body limit.
	Body []byte

	// Duration is the round-trip time for the request.
	Duration time.Duration
}

// BodyString returns the response body as a string.
func (r *Response) BodyString() string {
	return string(r.Body)
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
