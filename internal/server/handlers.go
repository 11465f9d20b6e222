package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/clickshield/internal/activity"
	"github.com/mbd888/clickshield/internal/health"
	"github.com/mbd888/clickshield/internal/logging"
	"github.com/mbd888/clickshield/internal/pagination"
	"github.com/mbd888/clickshield/internal/scoring"
	"github.com/mbd888/clickshield/internal/validation"
)

// clickRequest is the wire shape of one click event. The client IP falls
// back to the connection's address when the body omits it.
type clickRequest struct {
	IP         string            `json:"ip"`
	CampaignID string            `json:"campaign_id"`
	UserAgent  string            `json:"user_agent"`
	Headers    map[string]string `json:"headers"`
	Referrer   string            `json:"referrer"`
}

// recordClickHandler evaluates one click and returns the decision. Missing
// or malformed event fields are suspicion signals, not HTTP errors; only an
// unparseable body or transport-level abuse gets a 4xx.
func (s *Server) recordClickHandler(c *gin.Context) {
	var req clickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be a JSON click event",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("ip", req.IP, 64),
		validation.MaxLength("campaign_id", req.CampaignID, 128),
		validation.MaxLength("user_agent", req.UserAgent, validation.MaxStringLength),
		validation.MaxLength("referrer", req.Referrer, validation.MaxStringLength),
		validation.ValidCampaign("campaign_id", req.CampaignID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"details": errs,
		})
		return
	}

	ip := validation.SanitizeString(req.IP, 64)
	if ip == "" || !validation.IsValidIP(ip) {
		// An explicit but unparseable IP stays empty so the detector
		// treats it as a structural defect.
		if ip == "" {
			ip = c.ClientIP()
		} else {
			ip = ""
		}
	}

	ev := scoring.ClickEvent{
		IP:         ip,
		CampaignID: validation.SanitizeString(req.CampaignID, 128),
		UserAgent:  validation.SanitizeString(req.UserAgent, validation.MaxStringLength),
		Headers:    req.Headers,
		Referrer:   validation.SanitizeString(req.Referrer, validation.MaxStringLength),
	}

	decision := s.detector.Evaluate(c.Request.Context(), ev)

	if !decision.Allowed {
		logging.L(c.Request.Context()).Info("click rejected",
			"identity", ev.Identity(),
			"reason", decision.Reason,
			"risk_score", decision.RiskScore,
		)
	}

	c.JSON(http.StatusOK, decision)
}

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.detector.Stats(c.Request.Context()))
}

func (s *Server) quickExitReportHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.detector.QuickExitReport(time.Now()))
}

// suspiciousActivitiesLimit caps a page at the original dashboard's
// history depth.
const suspiciousActivitiesLimit = 50

func (s *Server) suspiciousActivitiesHandler(c *gin.Context) {
	limit := suspiciousActivitiesLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a positive integer",
			})
			return
		}
		if n < limit {
			limit = n
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid cursor",
		})
		return
	}

	ctx := c.Request.Context()
	var records []*activity.Record
	if cursor != nil {
		records, err = s.detector.ActivitiesBefore(ctx, cursor.CreatedAt, cursor.ID, limit+1)
	} else {
		records, err = s.detector.RecentActivities(ctx, limit+1)
	}
	if err != nil {
		logging.L(ctx).Error("failed to list suspicious activities", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "could not load suspicious activities",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(records, limit, func(r *activity.Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	if page == nil {
		page = []*activity.Record{} // never null in JSON
	}
	c.JSON(http.StatusOK, gin.H{
		"activities":  page,
		"count":       len(page),
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
