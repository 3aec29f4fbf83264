package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/keyguard/internal/encryption"
	"github.com/mbd888/keyguard/internal/ratelimit"
	"github.com/mbd888/keyguard/internal/verifier"
	"github.com/mbd888/keyguard/internal/walletkeys"
)

// CallerHeader identifies the authenticated principal making a request on
// a user's resources. It is set by the gateway in front of this service.
const CallerHeader = "X-Caller-ID"

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Backend   string            `json:"backend"`
	Emergency bool              `json:"emergencyMode"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.guard.Health().CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		switch {
		case st.Healthy:
			checks[st.Name] = "healthy"
		case st.Required:
			checks[st.Name] = "unhealthy"
		default:
			checks[st.Name] = "degraded"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Backend:   s.guard.Backend(),
		Emergency: s.guard.Emergency().IsActive(ctx),
		Checks:    checks,
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

// -----------------------------------------------------------------------------
// Verification
// -----------------------------------------------------------------------------

type verifyRequest struct {
	UserID    string `json:"userId" binding:"required"`
	Operation string `json:"operation" binding:"required"`
	CallerID  string `json:"callerId"`
}

type verifyResponse struct {
	verifier.Result
	Message string `json:"message,omitempty"`
}

// verifyHandler scores a sensitive operation for callers that perform it
// themselves. A denial is still a 200: the verdict is the payload.
//
// The gateway's CallerHeader is authoritative. The body's callerId is only
// used when the header is absent, and a body value that disagrees with the
// header is rejected.
func (s *Server) verifyHandler(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId and operation are required"})
		return
	}
	if header := c.GetHeader(CallerHeader); header != "" {
		if req.CallerID != "" && req.CallerID != header {
			c.JSON(http.StatusBadRequest, gin.H{"error": "caller_conflict", "message": "callerId does not match " + CallerHeader})
			return
		}
		req.CallerID = header
	}

	res := s.guard.Verifier().Verify(c.Request.Context(), req.UserID, req.Operation,
		verifier.OperationContext{CallerID: req.CallerID})

	resp := verifyResponse{Result: res}
	if rl := res.RateLimit; rl != nil && !rl.Allowed {
		now := time.Now()
		resp.Message = ratelimit.RetryMessage(*rl, now)
		c.Header("Retry-After", strconv.Itoa(int(rl.RetryAfter(now).Seconds())))
	} else if !res.Allowed {
		resp.Message = "This request looks unusual and was blocked. Please try again later."
	}

	c.JSON(http.StatusOK, resp)
}

// completeOperationHandler records that a verified operation finished, which
// feeds the high-frequency signal of later verifications.
func (s *Server) completeOperationHandler(c *gin.Context) {
	userID := c.Param("userId")
	if err := s.guard.Verifier().RecordSensitiveOperation(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": "Could not record the operation"})
		return
	}
	c.Status(http.StatusNoContent)
}

type failedAttemptRequest struct {
	Reason string `json:"reason"`
}

// failedAttemptHandler lets upstream services report failed authentication
// or verification attempts to the activity monitor.
func (s *Server) failedAttemptHandler(c *gin.Context) {
	var req failedAttemptRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	if err := s.guard.Monitor().RecordFailedAttempt(c.Request.Context(), c.Param("userId"), req.Reason); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": "Could not record the attempt"})
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Wallet keys
// -----------------------------------------------------------------------------

type storeKeyRequest struct {
	PrivateKey string `json:"privateKey" binding:"required"`
}

func (s *Server) storeKeyHandler(c *gin.Context) {
	var req storeKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "privateKey is required"})
		return
	}

	address, err := s.guard.Vault().Store(c.Request.Context(), c.Param("userId"), req.PrivateKey)
	if err != nil {
		s.vaultError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"address": address})
}

func (s *Server) addressHandler(c *gin.Context) {
	address, err := s.guard.Vault().Address(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.vaultError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": address})
}

func (s *Server) exportKeyHandler(c *gin.Context) {
	key, err := s.guard.Vault().Export(c.Request.Context(), c.Param("userId"), c.GetHeader(CallerHeader))
	if err != nil {
		s.vaultError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"privateKey": key})
}

func (s *Server) revealKeyHandler(c *gin.Context) {
	key, err := s.guard.Vault().Reveal(c.Request.Context(), c.Param("userId"), c.GetHeader(CallerHeader))
	if err != nil {
		s.vaultError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"privateKey": key})
}

func (s *Server) deleteKeyHandler(c *gin.Context) {
	if err := s.guard.Vault().Delete(c.Request.Context(), c.Param("userId"), c.GetHeader(CallerHeader)); err != nil {
		s.vaultError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// vaultError maps vault failures to status codes with a user-safe message.
func (s *Server) vaultError(c *gin.Context, err error) {
	msg := walletkeys.UserMessage(err)

	var denied *walletkeys.DeniedError
	switch {
	case errors.As(err, &denied):
		if rl := denied.Result.RateLimit; rl != nil && !rl.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(rl.RetryAfter(time.Now()).Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limit_exceeded", "message": msg, "riskScore": denied.Result.RiskScore})
			return
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "verification_failed", "message": msg, "reasons": denied.Result.Reasons})
	case errors.Is(err, walletkeys.ErrEmergency):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "emergency_mode", "message": msg})
	case errors.Is(err, walletkeys.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": msg})
	case errors.Is(err, walletkeys.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key", "message": msg})
	case errors.Is(err, encryption.ErrIntegrity), errors.Is(err, encryption.ErrFormat):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unrecoverable_secret", "message": msg})
	default:
		s.logger.Error("wallet key operation failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": msg})
	}
}
