package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/0x6d61/autoar/internal/orchestrator"
	"github.com/0x6d61/autoar/internal/scan"
)

// StartRequest is the body of POST /api/scan.
type StartRequest struct {
	Domain  string          `json:"domain"`
	Options *OptionsRequest `json:"options,omitempty"`
}

// OptionsRequest carries per-scan switches. Nil fields take the server's
// scan defaults.
type OptionsRequest struct {
	SkipPorts  *bool  `json:"skip_ports,omitempty"`
	SkipFuzz   *bool  `json:"skip_fuzz,omitempty"`
	SkipSQLi   *bool  `json:"skip_sqli,omitempty"`
	SkipParamX *bool  `json:"skip_paramx,omitempty"`
	Verbose    *bool  `json:"verbose,omitempty"`
	Webhook    string `json:"webhook,omitempty"`
}

// Merge fills unset fields from defaults.
func (r *OptionsRequest) Merge(defaults scan.Options) scan.Options {
	opts := defaults
	if r == nil {
		return opts
	}
	pick := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	pick(&opts.SkipPorts, r.SkipPorts)
	pick(&opts.SkipFuzz, r.SkipFuzz)
	pick(&opts.SkipSQLi, r.SkipSQLi)
	pick(&opts.SkipParamX, r.SkipParamX)
	pick(&opts.Verbose, r.Verbose)
	if r.Webhook != "" {
		opts.WebhookURL = r.Webhook
	}
	return opts
}

type StartResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Domain    string `json:"domain"`
	Message   string `json:"message"`
}

type StopResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Session is the wire form of a scan snapshot.
type Session struct {
	ID             string       `json:"session_id"`
	Target         string       `json:"target"`
	State          scan.State   `json:"state"`
	Options        scan.Options `json:"options"`
	StartedAt      time.Time    `json:"started_at"`
	EndedAt        *time.Time   `json:"ended_at"`
	ElapsedSeconds float64      `json:"elapsed_seconds"`
	Error          *string      `json:"error"`
	OutputLines    int          `json:"output_lines"`
	Output         []string     `json:"output,omitempty"`
}

func newSession(snap scan.Snapshot, now time.Time, withOutput bool) Session {
	s := Session{
		ID:             snap.ID,
		Target:         snap.Target.String(),
		State:          snap.State,
		Options:        snap.Options,
		StartedAt:      snap.StartedAt,
		EndedAt:        snap.EndedAt,
		ElapsedSeconds: snap.Elapsed(now).Seconds(),
		Error:          snap.Error,
		OutputLines:    len(snap.Output),
	}
	if withOutput {
		s.Output = snap.Output
	}
	return s
}

// Snapshot converts the wire form back into a scan snapshot.
func (s Session) Snapshot() scan.Snapshot {
	return scan.Snapshot{
		ID:        s.ID,
		Target:    scan.Target(s.Target),
		State:     s.State,
		Options:   s.Options,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
		Output:    s.Output,
		Error:     s.Error,
	}
}

type StatusResponse struct {
	Success bool    `json:"success"`
	Scan    Session `json:"scan"`
}

type ListResponse struct {
	Success bool      `json:"success"`
	Scans   []Session `json:"scans"`
}

type ResultsResponse struct {
	Success bool      `json:"success"`
	Domain  string    `json:"domain"`
	Results []Session `json:"results"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned with every non-2xx status. SessionID is set
// when a session was created before the failure.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	SessionID string `json:"session_id,omitempty"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidTarget     = "invalid_target"
	CodeInvalidOptions    = "invalid_options"
	CodeAlreadyActive     = "already_active"
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_transition"
	CodeLaunchFailed      = "launch_failed"
	CodeAtCapacity        = "at_capacity"
	CodeShuttingDown      = "shutting_down"
	CodeInternal          = "internal"
)

var codeErrors = map[string]error{
	CodeInvalidTarget:     scan.ErrInvalidTarget,
	CodeInvalidOptions:    scan.ErrInvalidOptions,
	CodeAlreadyActive:     scan.ErrAlreadyActive,
	CodeNotFound:          scan.ErrNotFound,
	CodeInvalidTransition: scan.ErrInvalidTransition,
	CodeLaunchFailed:      scan.ErrLaunch,
	CodeAtCapacity:        scan.ErrAtCapacity,
	CodeShuttingDown:      orchestrator.ErrClosed,
}

// classify maps an orchestrator error to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, scan.ErrInvalidTarget):
		return http.StatusBadRequest, CodeInvalidTarget
	case errors.Is(err, scan.ErrInvalidOptions):
		return http.StatusBadRequest, CodeInvalidOptions
	case errors.Is(err, scan.ErrAlreadyActive):
		return http.StatusConflict, CodeAlreadyActive
	case errors.Is(err, scan.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, scan.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, scan.ErrLaunch):
		return http.StatusBadGateway, CodeLaunchFailed
	case errors.Is(err, scan.ErrAtCapacity):
		return http.StatusTooManyRequests, CodeAtCapacity
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable, CodeShuttingDown
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
