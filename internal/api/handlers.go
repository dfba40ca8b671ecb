package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/0x6d61/autoar/internal/scan"
)

// maxResults caps GET /api/results.
const maxResults = 100

func (s *Server) fail(c *gin.Context, err error, sessionID string) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError && code == CodeInternal {
		s.logger.ErrorContext(c.Request.Context(), "api request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code, SessionID: sessionID})
}

func (s *Server) startScan(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "No data provided", Code: CodeInvalidRequest})
		return
	}
	if req.Domain == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Domain is required", Code: CodeInvalidRequest})
		return
	}

	opts := req.Options.Merge(s.opts.Defaults)
	id, err := s.svc.StartScan(c.Request.Context(), req.Domain, opts)
	if err != nil {
		s.fail(c, err, id)
		return
	}

	domain := req.Domain
	if target, err := scan.ParseTarget(req.Domain); err == nil {
		domain = target.String()
	}
	c.JSON(http.StatusAccepted, StartResponse{
		Success:   true,
		SessionID: id,
		Domain:    domain,
		Message:   "Scan started for domain: " + domain,
	})
}

func (s *Server) stopScan(c *gin.Context) {
	domain := c.Param("domain")
	err := s.svc.StopScan(c.Request.Context(), domain)
	var terr *scan.TransitionError
	switch {
	case errors.As(err, &terr) && !terr.From.IsTerminal():
		// Pending or already Stopping: the session is active but cannot be
		// stopped now.
		status, code := classify(err)
		c.JSON(status, ErrorResponse{Error: "Scan is not running (state: " + terr.From.String() + ")", Code: code})
		return
	case errors.Is(err, scan.ErrNotFound), errors.Is(err, scan.ErrInvalidTransition):
		status, code := classify(err)
		c.JSON(status, ErrorResponse{Error: "No active scan found for this domain", Code: code})
		return
	case err != nil:
		s.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, StopResponse{Success: true, Message: "Scan stopped for domain: " + domain})
}

func (s *Server) getStatus(c *gin.Context) {
	snap, err := s.svc.GetStatus(c.Param("domain"))
	if err != nil {
		s.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Success: true, Scan: newSession(snap, s.opts.Now(), true)})
}

func (s *Server) listScans(c *gin.Context) {
	snaps := s.svc.List()
	now := s.opts.Now()
	out := make([]Session, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, newSession(snap, now, false))
	}
	c.JSON(http.StatusOK, ListResponse{Success: true, Scans: out})
}

func (s *Server) getResults(c *gin.Context) {
	limit := maxResults
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer", Code: CodeInvalidRequest})
			return
		}
		limit = min(n, maxResults)
	}

	domain := c.Param("domain")
	snaps, err := s.svc.History(c.Request.Context(), domain, limit)
	if err != nil {
		s.fail(c, err, "")
		return
	}
	if len(snaps) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "No results found for this domain", Code: CodeNotFound})
		return
	}

	now := s.opts.Now()
	out := make([]Session, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, newSession(snap, now, true))
	}
	c.JSON(http.StatusOK, ResultsResponse{Success: true, Domain: snaps[0].Target.String(), Results: out})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy"})
}
