package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// WebhookRequest is one request received by a WebhookRecorder.
type WebhookRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// WebhookRecorder is an httptest server that records every request and
// answers with a configurable status after an optional delay.
type WebhookRecorder struct {
	*httptest.Server

	mu       sync.Mutex
	requests []WebhookRequest
	status   int
	delay    time.Duration
	arrived  chan struct{}
}

// NewWebhookRecorder starts a recorder answering 204 No Content.
func NewWebhookRecorder() *WebhookRecorder {
	w := &WebhookRecorder{
		status:  http.StatusNoContent,
		arrived: make(chan struct{}, 1024),
	}
	w.Server = httptest.NewServer(http.HandlerFunc(w.handle))
	return w
}

func (w *WebhookRecorder) handle(rw http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	w.mu.Lock()
	w.requests = append(w.requests, WebhookRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})
	status, delay := w.status, w.delay
	w.mu.Unlock()

	select {
	case w.arrived <- struct{}{}:
	default:
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	rw.WriteHeader(status)
}

// SetStatus sets the status code of subsequent replies.
func (w *WebhookRecorder) SetStatus(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = code
}

// SetDelay delays subsequent replies by d.
func (w *WebhookRecorder) SetDelay(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.delay = d
}

// Endpoint returns the absolute URL of path on the recorder.
func (w *WebhookRecorder) Endpoint(path string) string {
	return w.URL + path
}

// Requests returns a copy of the recorded requests.
func (w *WebhookRecorder) Requests() []WebhookRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]WebhookRequest(nil), w.requests...)
}

// RequestsTo returns the recorded requests for path.
func (w *WebhookRecorder) RequestsTo(path string) []WebhookRequest {
	var out []WebhookRequest
	for _, r := range w.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// WaitFor waits until at least n requests arrived, up to timeout.
func (w *WebhookRecorder) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		w.mu.Lock()
		got := len(w.requests)
		w.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-w.arrived:
		case <-deadline:
			return false
		}
	}
}
