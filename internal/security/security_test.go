package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerocost-ai/model-router/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// Rate limiter

func TestRateLimiter_AllowsWithinBudget(t *testing.T) {
	rl := NewTierRateLimiter(&RateLimitConfig{
		Enabled:       true,
		PerTierPerMin: map[types.Tier]int{types.TierBasic: 5},
	}, testLogger())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		result := rl.Allow("caller-1", types.TierBasic)
		assert.True(t, result.Allowed, "request %d within budget", i)
	}

	result := rl.Allow("caller-1", types.TierBasic)
	assert.False(t, result.Allowed)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
}

func TestRateLimiter_CallersIsolated(t *testing.T) {
	rl := NewTierRateLimiter(&RateLimitConfig{
		Enabled:       true,
		PerTierPerMin: map[types.Tier]int{types.TierBasic: 1},
	}, testLogger())
	defer rl.Stop()

	require.True(t, rl.Allow("caller-1", types.TierBasic).Allowed)
	require.False(t, rl.Allow("caller-1", types.TierBasic).Allowed)

	assert.True(t, rl.Allow("caller-2", types.TierBasic).Allowed,
		"one caller exhausting its bucket must not affect another")
}

func TestRateLimiter_TiersIsolated(t *testing.T) {
	rl := NewTierRateLimiter(&RateLimitConfig{
		Enabled: true,
		PerTierPerMin: map[types.Tier]int{
			types.TierBasic:      1,
			types.TierEnterprise: 10,
		},
	}, testLogger())
	defer rl.Stop()

	require.True(t, rl.Allow("caller-1", types.TierBasic).Allowed)
	require.False(t, rl.Allow("caller-1", types.TierBasic).Allowed)

	assert.True(t, rl.Allow("caller-1", types.TierEnterprise).Allowed)
}

func TestRateLimiter_DisabledAllowsEverything(t *testing.T) {
	rl := NewTierRateLimiter(&RateLimitConfig{Enabled: false}, testLogger())
	defer rl.Stop()

	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("caller-1", types.TierBasic).Allowed)
	}
}

func TestDefaultTierLimits(t *testing.T) {
	limits := DefaultTierLimits()
	assert.Equal(t, 30, limits[types.TierBasic])
	assert.Equal(t, 120, limits[types.TierPremium])
	assert.Equal(t, 600, limits[types.TierEnterprise])
}

// Authenticator

func TestValidateAPIKey(t *testing.T) {
	auth := NewAuthenticator(&AuthConfig{
		APIKeys: []string{"valid-key-12345"},
	}, nil, testLogger())

	info, err := auth.ValidateAPIKey(context.Background(), "valid-key-12345")
	require.NoError(t, err)
	assert.Equal(t, "api_key", info.AuthType)
	assert.NotEmpty(t, info.CallerID)
	assert.NotContains(t, info.CallerID, "valid-key", "caller id must not embed the key")

	_, err = auth.ValidateAPIKey(context.Background(), "wrong-key")
	assert.Error(t, err)

	_, err = auth.ValidateAPIKey(context.Background(), "")
	assert.Error(t, err)
}

func TestServiceTokenRoundTrip(t *testing.T) {
	auth := NewAuthenticator(&AuthConfig{
		JWTSecret: "test-secret",
		JWTExpiry: time.Hour,
	}, nil, testLogger())

	token, err := auth.IssueServiceToken("batch-runner")
	require.NoError(t, err)

	info, err := auth.ValidateServiceToken(token)
	require.NoError(t, err)
	assert.Equal(t, "batch-runner", info.CallerID)
	assert.Equal(t, "jwt", info.AuthType)
	require.NotNil(t, info.ExpiresAt)
	assert.True(t, info.ExpiresAt.After(time.Now()))
}

func TestValidateServiceToken_WrongSecret(t *testing.T) {
	issuer := NewAuthenticator(&AuthConfig{JWTSecret: "secret-a"}, nil, testLogger())
	verifier := NewAuthenticator(&AuthConfig{JWTSecret: "secret-b"}, nil, testLogger())

	token, err := issuer.IssueServiceToken("svc")
	require.NoError(t, err)

	_, err = verifier.ValidateServiceToken(token)
	assert.Error(t, err)
}

func TestAuthMiddleware_RequireAuth(t *testing.T) {
	auth := NewAuthenticator(&AuthConfig{
		APIKeys:     []string{"valid-key-12345"},
		RequireAuth: true,
	}, nil, testLogger())

	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := r.Context().Value(ContextKeyAuthInfo).(*AuthInfo)
		require.True(t, ok)
		assert.NotEmpty(t, info.CallerID)
		w.WriteHeader(http.StatusOK)
	}))

	// Valid key passes.
	req := httptest.NewRequest("POST", "/v1/generate", nil)
	req.Header.Set("X-API-Key", "valid-key-12345")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Missing credentials rejected.
	req = httptest.NewRequest("POST", "/v1/generate", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_OptionalAuth(t *testing.T) {
	auth := NewAuthenticator(&AuthConfig{RequireAuth: false}, nil, testLogger())

	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/generate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "anonymous requests pass when auth is optional")
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", maskAPIKey("short"))
	assert.Equal(t, "sk-t****6789", maskAPIKey("sk-test-123456789"))
}

// Audit logger

func TestAuditLogger_CountsEvents(t *testing.T) {
	audit := NewAuditLogger(&AuditConfig{
		Enabled:       true,
		BufferSize:    100,
		FlushInterval: 10 * time.Millisecond,
	}, testLogger())

	audit.LogRouting(context.Background(), "req-1", "basic", "lw", 1, 0.0004, 0.0016)
	audit.LogRouting(context.Background(), "req-2", "premium", "hw", 2, 0.02, 0.01)
	audit.LogRoutingFailure(context.Background(), InvalidTierRejected, "req-3", "gold", "unknown customer tier")

	assert.Equal(t, int64(3), audit.EventCount())
	audit.Stop()
}

func TestAuditLogger_DisabledIsNoop(t *testing.T) {
	audit := NewAuditLogger(&AuditConfig{Enabled: false}, testLogger())

	audit.LogEvent(context.Background(), RequestRouted, "message", nil)
	assert.Equal(t, int64(0), audit.EventCount())
	audit.Stop()
}

func TestAuditLogger_StopIsIdempotent(t *testing.T) {
	audit := NewAuditLogger(&AuditConfig{Enabled: true}, testLogger())
	audit.Stop()
	audit.Stop()
}

func TestSanitizeDetails(t *testing.T) {
	details := sanitizeDetails(map[string]interface{}{
		"tier":          "basic",
		"api_key":       "sk-secret",
		"authorization": "Bearer xyz",
		"backend":       "lw",
	})

	assert.Equal(t, "basic", details["tier"])
	assert.Equal(t, "lw", details["backend"])
	assert.Equal(t, "***REDACTED***", details["api_key"])
	assert.Equal(t, "***REDACTED***", details["authorization"])
}
