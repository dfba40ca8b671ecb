package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0x6d61/autoar/internal/orchestrator"
	"github.com/0x6d61/autoar/internal/runner"
	"github.com/0x6d61/autoar/internal/scan"
	"github.com/0x6d61/autoar/internal/session"
	"github.com/0x6d61/autoar/internal/testutil"
	"github.com/0x6d61/autoar/internal/transport"
)

type liveStack struct {
	engine *testutil.FakeEngine
	orch   *orchestrator.Orchestrator
	client *Client
}

// newLiveStack serves a real orchestrator over a FakeEngine.
func newLiveStack(t *testing.T) *liveStack {
	t.Helper()

	archive, err := session.NewSQLiteArchive(":memory:")
	require.NoError(t, err)

	fe := testutil.NewFakeEngine()
	orch := orchestrator.New(
		session.NewStore(session.Options{}),
		runner.New(fe, runner.Options{LaunchTimeout: time.Second, GracePeriod: 200 * time.Millisecond}),
		orchestrator.WithArchive(archive),
	)
	srv := NewServer(orch, ServerOptions{})
	ts := httptest.NewServer(srv.Handler())

	tc, err := transport.NewClient(transport.ClientOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	client, err := NewClient(ts.URL+"/", tc)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, orch.Close(ctx))
		ts.Close()
		archive.Close()
	})
	return &liveStack{engine: fe, orch: orch, client: client}
}

func (s *liveStack) waitState(t *testing.T, domain string, want scan.State) scan.Snapshot {
	t.Helper()
	var snap scan.Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = s.client.Status(context.Background(), domain)
		return err == nil && snap.State == want
	}, 3*time.Second, 10*time.Millisecond, "%s never reached %s", domain, want)
	return snap
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:5000", "ftp://host", "http://"} {
		_, err := NewClient(raw, nil)
		require.Error(t, err, "url %q", raw)
	}
}

func TestClient_Health(t *testing.T) {
	s := newLiveStack(t)
	require.NoError(t, s.client.Health(context.Background()))
}

func TestClient_ScanLifecycle(t *testing.T) {
	s := newLiveStack(t)
	ctx := context.Background()

	started, err := s.client.StartScan(ctx, "Example.com", nil)
	require.NoError(t, err)
	require.NotEmpty(t, started.SessionID)
	require.Equal(t, "example.com", started.Domain)

	_, err = s.client.StartScan(ctx, "example.com", nil)
	require.ErrorIs(t, err, scan.ErrAlreadyActive)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 409, apiErr.StatusCode)

	h := s.engine.Handle("example.com")
	require.NotNil(t, h)
	h.Emit("[+] subdomains", "[+] ports")
	require.Eventually(t, func() bool {
		snap, err := s.client.Status(ctx, "example.com")
		return err == nil && len(snap.Output) == 2
	}, 3*time.Second, 10*time.Millisecond)

	list, err := s.client.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, started.SessionID, list[0].ID)
	require.Empty(t, list[0].Output)

	stopped, err := s.client.StopScan(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, "Scan stopped for domain: example.com", stopped.Message)

	snap := s.waitState(t, "example.com", scan.StateCancelled)
	require.Equal(t, []string{"[+] subdomains", "[+] ports"}, snap.Output)
	require.NotNil(t, snap.EndedAt)

	_, err = s.client.StopScan(ctx, "example.com")
	require.ErrorIs(t, err, scan.ErrInvalidTransition)

	var results []scan.Snapshot
	require.Eventually(t, func() bool {
		results, err = s.client.Results(ctx, "example.com", 10)
		return err == nil && len(results) == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, scan.StateCancelled, results[0].State)
}

func TestClient_NotFound(t *testing.T) {
	s := newLiveStack(t)
	ctx := context.Background()

	_, err := s.client.Status(ctx, "nobody.example")
	require.ErrorIs(t, err, scan.ErrNotFound)

	_, err = s.client.StopScan(ctx, "nobody.example")
	require.ErrorIs(t, err, scan.ErrNotFound)

	_, err = s.client.Results(ctx, "nobody.example", 0)
	require.ErrorIs(t, err, scan.ErrNotFound)
}

func TestClient_LaunchFailure(t *testing.T) {
	s := newLiveStack(t)
	s.engine.SetLaunchError(errors.New("permission denied"))

	_, err := s.client.StartScan(context.Background(), "example.com", nil)
	require.ErrorIs(t, err, scan.ErrLaunch)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 502, apiErr.StatusCode)
	require.NotEmpty(t, apiErr.SessionID)
	require.Contains(t, apiErr.Message, "permission denied")

	snap, err := s.client.Status(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, scan.StateFailed, snap.State)
	require.Equal(t, apiErr.SessionID, snap.ID)
}

func TestClient_InvalidRequest(t *testing.T) {
	s := newLiveStack(t)
	yes := true

	_, err := s.client.StartScan(context.Background(), "", nil)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeInvalidRequest, apiErr.Code)

	_, err = s.client.StartScan(context.Background(), "not a host", &OptionsRequest{Verbose: &yes})
	require.ErrorIs(t, err, scan.ErrInvalidTarget)

	_, err = s.client.StartScan(context.Background(), "example.com", &OptionsRequest{Webhook: "mailto:x@example.com"})
	require.ErrorIs(t, err, scan.ErrInvalidOptions)
}

func TestClient_OptionsReachEngine(t *testing.T) {
	s := newLiveStack(t)
	yes := true

	_, err := s.client.StartScan(context.Background(), "example.com", &OptionsRequest{
		SkipPorts: &yes,
		SkipSQLi:  &yes,
		Webhook:   "https://hooks.example/notify",
	})
	require.NoError(t, err)

	launches := s.engine.Launches()
	require.Len(t, launches, 1)
	require.Equal(t, scan.Options{SkipPorts: true, SkipSQLi: true, WebhookURL: "https://hooks.example/notify"}, launches[0].Options)

	launches[0].Handle.Succeed()
	s.waitState(t, "example.com", scan.StateCompleted)
}
