package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/keyguard/internal/config"
	"github.com/mbd888/keyguard/internal/encryption"
	"github.com/mbd888/keyguard/internal/guard"
	"github.com/mbd888/keyguard/internal/security"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testAdminSecret = "supersecret123"
	testPrivateKey  = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(0xA0 + i)
	}
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "json",
		StoreTimeout:       time.Second,
		MasterKey:          hex.EncodeToString(key),
		PBKDF2Rounds:       encryption.MinRounds,
		CryptoWorkers:      2,
		Timezone:           "UTC",
		TrustLookupTimeout: time.Second,
		MonitorInterval:    time.Hour,
		EmergencyTTL:       time.Minute,
		AdminSecret:        testAdminSecret,
		ThrottleRPM:        6000,
		ThrottleBurst:      1000,
	}
}

// newTestServer creates a server over a fresh in-memory security subsystem
func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := testConfig()
	g, err := guard.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	s, err := New(cfg, WithGuard(g))
	require.NoError(t, err)
	s.drainDelay = 0
	t.Cleanup(func() { s.throttle.Stop() })
	return s
}

func (s *Server) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, guard.BackendMemory, resp["backend"])
	assert.Equal(t, false, resp["emergencyMode"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "GET", "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w := s.do(t, "GET", "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	s.do(t, "GET", "/health", "", nil)
	w := s.do(t, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "keyguard_")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/verify",
		"POST:/v1/sensitive-operations/:userId/complete",
		"POST:/v1/failed-attempts/:userId",
		"PUT:/v1/wallets/:userId/key",
		"GET:/v1/wallets/:userId/address",
		"POST:/v1/wallets/:userId/export",
		"POST:/v1/wallets/:userId/reveal",
		"DELETE:/v1/wallets/:userId",
		"GET:/admin/security/emergency",
		"DELETE:/admin/security/emergency",
		"GET:/admin/security/events",
		"POST:/admin/security/scan",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "GET", "/v1/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

func TestVerify(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/verify", `{"operation":"withdraw"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "POST", "/v1/verify", `{"userId":"alice","operation":"withdraw","callerId":"alice"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, true, resp["allowed"])
	require.NotNil(t, resp["rateLimit"])
	assert.Equal(t, "regular", resp["rateLimit"].(map[string]any)["tier"])
}

func TestVerify_CallerHeaderIsAuthoritative(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/verify", `{"userId":"alice","operation":"withdraw","callerId":"alice"}`,
		map[string]string{CallerHeader: "mallory"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "body cannot override the gateway identity")
	assert.Equal(t, "caller_conflict", decode(t, w)["error"])

	w = s.do(t, "POST", "/v1/verify", `{"userId":"alice","operation":"withdraw"}`,
		map[string]string{CallerHeader: "mallory"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w)["reasons"], "caller_mismatch")

	w = s.do(t, "POST", "/v1/verify", `{"userId":"alice","operation":"withdraw","callerId":"alice"}`,
		map[string]string{CallerHeader: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, decode(t, w)["reasons"], "caller_mismatch")
}

func TestVerify_RateLimitedCarriesRetryAfter(t *testing.T) {
	s := newTestServer(t)
	body := `{"userId":"bob","operation":"wallet_delete","callerId":"bob"}`

	for i := 0; i < 2; i++ {
		w := s.do(t, "POST", "/v1/verify", body, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := s.do(t, "POST", "/v1/verify", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, false, resp["allowed"])
	assert.Equal(t, float64(100), resp["riskScore"])
	assert.Contains(t, resp["message"], "Too many wallet_delete attempts")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRecordEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/sensitive-operations/alice/complete", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, "POST", "/v1/failed-attempts/alice", `{"reason":"bad_password"}`, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

// ---------------------------------------------------------------------------
// Wallet keys
// ---------------------------------------------------------------------------

func TestWalletKeyFlow(t *testing.T) {
	s := newTestServer(t)
	caller := map[string]string{CallerHeader: "carol"}

	w := s.do(t, "PUT", "/v1/wallets/carol/key", `{"privateKey":"`+testPrivateKey+`"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	address := decode(t, w)["address"]
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))

	w = s.do(t, "GET", "/v1/wallets/carol/address", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, address, decode(t, w)["address"])

	w = s.do(t, "POST", "/v1/wallets/carol/export", "", caller)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, testPrivateKey, decode(t, w)["privateKey"])

	w = s.do(t, "DELETE", "/v1/wallets/carol", "", caller)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = s.do(t, "GET", "/v1/wallets/carol/address", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWalletKey_Invalid(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "PUT", "/v1/wallets/dave/key", `{"privateKey":"0x1234"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_key", decode(t, w)["error"])

	w = s.do(t, "PUT", "/v1/wallets/dave/key", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWalletKey_ExportRateLimited(t *testing.T) {
	s := newTestServer(t)
	caller := map[string]string{CallerHeader: "erin"}

	w := s.do(t, "PUT", "/v1/wallets/erin/key", `{"privateKey":"`+testPrivateKey+`"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	for i := 0; i < 3; i++ {
		w = s.do(t, "POST", "/v1/wallets/erin/export", "", caller)
		require.Equal(t, http.StatusOK, w.Code, "export %d: %s", i+1, w.Body.String())
	}

	w = s.do(t, "POST", "/v1/wallets/erin/export", "", caller)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, decode(t, w)["message"], "Too many export_private_key attempts")
}

func TestWalletKey_EmergencyModeBlocksExport(t *testing.T) {
	s := newTestServer(t)
	adminHeaders := map[string]string{security.AdminSecretHeader: testAdminSecret}

	w := s.do(t, "PUT", "/v1/wallets/frank/key", `{"privateKey":"`+testPrivateKey+`"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, "POST", "/admin/security/emergency", `{"reason":"drill"}`, adminHeaders)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, "GET", "/health", "", nil)
	assert.Equal(t, true, decode(t, w)["emergencyMode"])

	w = s.do(t, "POST", "/v1/wallets/frank/export", "", map[string]string{CallerHeader: "frank"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "emergency_mode", decode(t, w)["error"])

	w = s.do(t, "DELETE", "/admin/security/emergency", "", adminHeaders)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, "POST", "/v1/wallets/frank/export", "", map[string]string{CallerHeader: "frank"})
	assert.Equal(t, http.StatusOK, w.Code)
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "GET", "/admin/security/events", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, "GET", "/admin/security/events", "", map[string]string{security.AdminSecretHeader: "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, "GET", "/admin/security/events", "", map[string]string{security.AdminSecretHeader: testAdminSecret})
	assert.Equal(t, http.StatusOK, w.Code)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	assert.NoError(t, s.Shutdown())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
