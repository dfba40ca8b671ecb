package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/0x6d61/autoar/internal/scan"
	"github.com/0x6d61/autoar/internal/testutil"
	"github.com/0x6d61/autoar/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// keep-alive connections of the shared transport
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func terminalSnapshot(state scan.State, output []string, errMsg string) scan.Snapshot {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	snap := scan.Snapshot{
		ID:        "sess-1",
		Target:    "example.com",
		State:     state,
		StartedAt: started,
		EndedAt:   &ended,
		Output:    output,
	}
	if errMsg != "" {
		snap.Error = &errMsg
	}
	return snap
}

func newSender(t *testing.T) *WebhookSender {
	t.Helper()
	client, err := transport.NewClient(transport.ClientOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	return NewWebhookSender(client)
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

// ---------------------------------------------------------------------------
// Event
// ---------------------------------------------------------------------------

func TestNewEvent(t *testing.T) {
	out := []string{"1", "2", "3", "4", "5", "6", "7"}
	snap := terminalSnapshot(scan.StateFailed, out, "exit status 1")
	snap.Options.WebhookURL = "https://hooks.example/x"

	ev := NewEvent(snap)
	require.Equal(t, "sess-1", ev.SessionID)
	require.Equal(t, scan.StateFailed, ev.State)
	require.Equal(t, 90*time.Second, ev.Duration())
	require.Equal(t, []string{"3", "4", "5", "6", "7"}, ev.Tail)
	require.Equal(t, 7, ev.OutputSize)
	require.Equal(t, "https://hooks.example/x", ev.WebhookURL)
	require.Equal(t, "Scan of example.com failed after 1m30s: exit status 1 (7 output lines)", ev.Summary)

	// The tail must not alias the session log.
	ev.Tail[0] = "changed"
	require.Equal(t, "3", out[2])
}

func TestNewEvent_NoOutput(t *testing.T) {
	ev := NewEvent(terminalSnapshot(scan.StateCancelled, nil, ""))
	require.Nil(t, ev.Tail)
	require.Equal(t, "Scan of example.com cancelled after 1m30s (0 output lines)", ev.Summary)
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

func TestDetectKind(t *testing.T) {
	tests := []struct {
		url  string
		want Kind
	}{
		{"https://discord.com/api/webhooks/1/abc", KindDiscord},
		{"https://discordapp.com/api/webhooks/1/abc", KindDiscord},
		{"https://ptb.discord.com/api/webhooks/1/abc", KindDiscord},
		{"https://discord.com/channels/1", KindWebhook},
		{"https://hooks.slack.com/services/T/B/X", KindSlack},
		{"https://example.com/hook", KindWebhook},
		{"::not a url", KindWebhook},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, DetectKind(tt.url), tt.url)
	}
}

func TestPayloadShapes(t *testing.T) {
	ev := NewEvent(terminalSnapshot(scan.StateCompleted, []string{"done"}, ""))

	decode := func(kind Kind) map[string]any {
		raw, err := json.Marshal(Payload(kind, ev))
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	}

	discord := decode(KindDiscord)
	require.Equal(t, ev.Summary, discord["content"])
	embeds := discord["embeds"].([]any)
	require.Len(t, embeds, 1)
	require.Equal(t, "autoar scan completed", embeds[0].(map[string]any)["title"])

	slack := decode(KindSlack)
	require.Equal(t, ev.Summary, slack["text"])
	att := slack["attachments"].([]any)[0].(map[string]any)
	require.Equal(t, "#2ecc71", att["color"])

	generic := decode(KindWebhook)
	require.Equal(t, "scan.finished", generic["event"])
	require.Equal(t, "completed", generic["state"])
	require.Equal(t, "sess-1", generic["session_id"])
	require.NotContains(t, generic, "error")
}

// ---------------------------------------------------------------------------
// WebhookSender
// ---------------------------------------------------------------------------

func TestWebhookSender(t *testing.T) {
	rec := testutil.NewWebhookRecorder()
	defer rec.Close()

	ev := NewEvent(terminalSnapshot(scan.StateCompleted, nil, ""))
	err := newSender(t).Send(context.Background(), Endpoint{Kind: KindSlack, URL: rec.Endpoint("/slack")}, ev)
	require.NoError(t, err)

	reqs := rec.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, http.MethodPost, reqs[0].Method)
	require.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	require.Contains(t, string(reqs[0].Body), `"text":"Scan of example.com completed`)
}

func TestWebhookSender_Non2xx(t *testing.T) {
	rec := testutil.NewWebhookRecorder()
	defer rec.Close()
	rec.SetStatus(http.StatusInternalServerError)

	ev := NewEvent(terminalSnapshot(scan.StateCompleted, nil, ""))
	err := newSender(t).Send(context.Background(), Endpoint{URL: rec.Endpoint("/hook")}, ev)
	var serr *transport.StatusError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, http.StatusInternalServerError, serr.StatusCode)
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestDispatcher_DeliversToAllEndpoints(t *testing.T) {
	rec := testutil.NewWebhookRecorder()
	defer rec.Close()

	d := NewDispatcher(newSender(t), Options{
		Endpoints: []Endpoint{
			{Kind: KindDiscord, URL: rec.Endpoint("/discord")},
			{Kind: KindSlack, URL: rec.Endpoint("/slack")},
			{Kind: KindSlack, URL: rec.Endpoint("/slack")},
		},
	})

	snap := terminalSnapshot(scan.StateCompleted, nil, "")
	snap.Options.WebhookURL = rec.Endpoint("/per-scan")
	d.Notify(context.Background(), NewEvent(snap))
	closeDispatcher(t, d)

	require.Len(t, rec.Requests(), 3)
	require.Len(t, rec.RequestsTo("/discord"), 1)
	require.Len(t, rec.RequestsTo("/slack"), 1)
	require.Len(t, rec.RequestsTo("/per-scan"), 1)
}

func TestDispatcher_PerScanWebhookMatchingConfigured(t *testing.T) {
	rec := testutil.NewWebhookRecorder()
	defer rec.Close()

	d := NewDispatcher(newSender(t), Options{
		Endpoints: []Endpoint{{Kind: KindWebhook, URL: rec.Endpoint("/hook")}},
	})
	snap := terminalSnapshot(scan.StateCompleted, nil, "")
	snap.Options.WebhookURL = rec.Endpoint("/hook")
	d.Notify(context.Background(), NewEvent(snap))
	closeDispatcher(t, d)

	require.Len(t, rec.Requests(), 1)
}

func TestDispatcher_FailureIsNotRetried(t *testing.T) {
	rec := testutil.NewWebhookRecorder()
	defer rec.Close()
	rec.SetStatus(http.StatusBadGateway)

	d := NewDispatcher(newSender(t), Options{})
	snap := terminalSnapshot(scan.StateFailed, nil, "boom")
	snap.Options.WebhookURL = rec.Endpoint("/hook")
	d.Notify(context.Background(), NewEvent(snap))
	closeDispatcher(t, d)

	require.Len(t, rec.Requests(), 1)
}

func TestDispatcher_Timeout(t *testing.T) {
	rec := testutil.NewWebhookRecorder()
	defer rec.Close()
	rec.SetDelay(5 * time.Second)

	d := NewDispatcher(newSender(t), Options{Timeout: 50 * time.Millisecond})
	snap := terminalSnapshot(scan.StateCompleted, nil, "")
	snap.Options.WebhookURL = rec.Endpoint("/slow")

	start := time.Now()
	d.Notify(context.Background(), NewEvent(snap))
	closeDispatcher(t, d)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, rec.Requests(), 1)
}

func TestDispatcher_NoEndpoints(t *testing.T) {
	var calls atomic.Int32
	d := NewDispatcher(senderFunc(func(context.Context, Endpoint, Event) error {
		calls.Add(1)
		return nil
	}), Options{})
	d.Notify(context.Background(), NewEvent(terminalSnapshot(scan.StateCompleted, nil, "")))
	closeDispatcher(t, d)
	require.Zero(t, calls.Load())
}

// senderFunc adapts a function to Sender.
type senderFunc func(ctx context.Context, ep Endpoint, ev Event) error

func (f senderFunc) Send(ctx context.Context, ep Endpoint, ev Event) error { return f(ctx, ep, ev) }

func TestDispatcher_NonBlockingWhenFull(t *testing.T) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	var delivered atomic.Int32
	sender := senderFunc(func(ctx context.Context, ep Endpoint, ev Event) error {
		started <- struct{}{}
		<-release
		delivered.Add(1)
		return nil
	})

	d := NewDispatcher(sender, Options{Workers: 1, QueueSize: 1})
	ev := NewEvent(terminalSnapshot(scan.StateCompleted, nil, ""))
	ev.WebhookURL = "https://hooks.example/x"

	d.Notify(context.Background(), ev)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never started")
	}

	begin := time.Now()
	d.Notify(context.Background(), ev) // queued
	d.Notify(context.Background(), ev) // overflow
	d.Notify(context.Background(), ev) // overflow
	require.Less(t, time.Since(begin), 100*time.Millisecond, "Notify blocked")

	close(release)
	closeDispatcher(t, d)
	require.Equal(t, int32(4), delivered.Load())
}

func TestDispatcher_EveryEventAttemptedUnderBackpressure(t *testing.T) {
	const events = 100
	var attempts atomic.Int32
	sender := senderFunc(func(ctx context.Context, ep Endpoint, ev Event) error {
		attempts.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	d := NewDispatcher(sender, Options{Timeout: 20 * time.Millisecond})
	begin := time.Now()
	for i := 0; i < events; i++ {
		ev := NewEvent(terminalSnapshot(scan.StateFailed, nil, "boom"))
		ev.WebhookURL = "https://hooks.example/x"
		d.Notify(context.Background(), ev)
	}
	require.Less(t, time.Since(begin), 500*time.Millisecond, "Notify blocked")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	require.Equal(t, int32(events), attempts.Load())
}

func TestDispatcher_RecoversFromPanic(t *testing.T) {
	var mu sync.Mutex
	var got []scan.State
	sender := senderFunc(func(ctx context.Context, ep Endpoint, ev Event) error {
		if ev.State == scan.StateFailed {
			panic("sender bug")
		}
		mu.Lock()
		got = append(got, ev.State)
		mu.Unlock()
		return nil
	})

	d := NewDispatcher(sender, Options{Workers: 1})
	for _, state := range []scan.State{scan.StateFailed, scan.StateCompleted} {
		ev := NewEvent(terminalSnapshot(state, nil, ""))
		ev.WebhookURL = "https://hooks.example/x"
		d.Notify(context.Background(), ev)
	}
	closeDispatcher(t, d)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []scan.State{scan.StateCompleted}, got)
}

func TestDispatcher_NotifyAfterClose(t *testing.T) {
	d := NewDispatcher(senderFunc(func(context.Context, Endpoint, Event) error {
		return errors.New("must not be called")
	}), Options{})
	closeDispatcher(t, d)
	closeDispatcher(t, d)

	ev := NewEvent(terminalSnapshot(scan.StateCompleted, nil, ""))
	ev.WebhookURL = "https://hooks.example/x"
	require.NotPanics(t, func() { d.Notify(context.Background(), ev) })
}

func TestDispatcher_DeliveryOutlivesCallerContext(t *testing.T) {
	rec := testutil.NewWebhookRecorder()
	defer rec.Close()

	d := NewDispatcher(newSender(t), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	ev := NewEvent(terminalSnapshot(scan.StateCompleted, nil, ""))
	ev.WebhookURL = rec.Endpoint("/hook")
	d.Notify(ctx, ev)
	cancel()
	closeDispatcher(t, d)

	require.Len(t, rec.Requests(), 1)
}
