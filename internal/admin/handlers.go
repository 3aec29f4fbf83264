package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ActorHeader names the operator behind an admin action, for the audit trail.
const ActorHeader = "X-Admin-Actor"

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	emergency EmergencyService
	events    EventLister
	scanner   Scanner
	tiers     TierClassifier
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithEmergency sets the emergency flag the handler reads and clears.
func (h *Handler) WithEmergency(svc EmergencyService) *Handler {
	h.emergency = svc
	return h
}

// WithEvents sets the recent-events source.
func (h *Handler) WithEvents(l EventLister) *Handler {
	h.events = l
	return h
}

// WithScanner sets the monitor used for on-demand scans.
func (h *Handler) WithScanner(s Scanner) *Handler {
	h.scanner = s
	return h
}

// WithClassifier sets the trust classifier for tier lookups.
func (h *Handler) WithClassifier(c TierClassifier) *Handler {
	h.tiers = c
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/security/emergency", h.emergencyStatus)
	r.POST("/admin/security/emergency", h.activateEmergency)
	r.DELETE("/admin/security/emergency", h.clearEmergency)
	r.GET("/admin/security/events", h.listEvents)
	r.POST("/admin/security/scan", h.scan)
	r.GET("/admin/security/users/:userId/tier", h.userTier)
}

// emergencyStatus reports whether emergency mode is active and until when.
func (h *Handler) emergencyStatus(c *gin.Context) {
	if h.emergency == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "emergency mode not configured"})
		return
	}

	status, err := h.emergency.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to read emergency state", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"emergency": status})
}

type activateRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// activateEmergency lets an operator freeze sensitive operations by hand.
func (h *Handler) activateEmergency(c *gin.Context) {
	if h.emergency == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "emergency mode not configured"})
		return
	}

	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}

	activated, err := h.emergency.Activate(c.Request.Context(), "manual: "+req.Reason+" ("+actor(c)+")")
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to activate emergency mode", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"activated": activated})
}

// clearEmergency lifts emergency mode before its TTL runs out.
func (h *Handler) clearEmergency(c *gin.Context) {
	if h.emergency == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "emergency mode not configured"})
		return
	}

	cleared, err := h.emergency.Clear(c.Request.Context(), actor(c))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to clear emergency mode", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

// listEvents returns the most recent security events.
func (h *Handler) listEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event history not configured"})
		return
	}

	limit := defaultEventLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxEventLimit {
			limit = parsed
		}
	}

	evs, err := h.events.ListRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}

// scan runs the activity monitor once, outside its schedule.
func (h *Handler) scan(c *gin.Context) {
	if h.scanner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "activity monitor not configured"})
		return
	}

	report, err := h.scanner.Scan(c.Request.Context())
	resp := gin.H{"report": report}
	if err != nil {
		resp["warning"] = err.Error()
	}

	c.JSON(http.StatusOK, resp)
}

// userTier shows the trust tier the rate limiter would apply to a user.
func (h *Handler) userTier(c *gin.Context) {
	if h.tiers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trust classifier not configured"})
		return
	}

	userID := c.Param("userId")
	tier := h.tiers.Classify(c.Request.Context(), userID)

	c.JSON(http.StatusOK, gin.H{"userId": userID, "tier": tier, "multiplier": tier.Multiplier()})
}

func actor(c *gin.Context) string {
	if a := c.GetHeader(ActorHeader); a != "" {
		return a
	}
	return "admin"
}
