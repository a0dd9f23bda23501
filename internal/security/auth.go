package security

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// contextKey is the private type for context values set by this package.
type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeyAuthInfo  contextKey = "auth_info"
	ContextKeyClientIP  contextKey = "client_ip"
)

// AuthInfo describes the authenticated caller.
type AuthInfo struct {
	CallerID  string     `json:"caller_id"`
	AuthType  string     `json:"auth_type"` // "api_key" or "jwt"
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ServiceClaims are the claims carried by service JWTs.
type ServiceClaims struct {
	CallerID string `json:"caller_id"`
	jwt.RegisteredClaims
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	APIKeys     []string      `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	RequireAuth bool          `yaml:"require_auth"`
}

// Authenticator validates API keys and service JWTs.
type Authenticator struct {
	config *AuthConfig
	logger *logrus.Logger
	audit  *AuditLogger
}

func NewAuthenticator(config *AuthConfig, audit *AuditLogger, logger *logrus.Logger) *Authenticator {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}

	return &Authenticator{
		config: config,
		logger: logger,
		audit:  audit,
	}
}

// ValidateAPIKey checks a key against the configured list in constant time.
func (a *Authenticator) ValidateAPIKey(ctx context.Context, apiKey string) (*AuthInfo, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	for _, validKey := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			return &AuthInfo{
				CallerID: callerIDForKey(apiKey),
				AuthType: "api_key",
			}, nil
		}
	}

	a.logger.WithField("api_key_prefix", maskAPIKey(apiKey)).Warn("Invalid API key attempted")
	if a.audit != nil {
		a.audit.LogEvent(ctx, AuthenticationFailure, "invalid API key", map[string]interface{}{
			"api_key_prefix": maskAPIKey(apiKey),
		})
	}

	return nil, errors.New("invalid API key")
}

// IssueServiceToken mints a JWT for trusted internal callers (batch jobs,
// the admin CLI).
func (a *Authenticator) IssueServiceToken(callerID string) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("JWT secret not configured")
	}

	now := time.Now()
	claims := &ServiceClaims{
		CallerID: callerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "model-router",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateServiceToken parses and verifies a service JWT.
func (a *Authenticator) ValidateServiceToken(tokenString string) (*AuthInfo, error) {
	if a.config.JWTSecret == "" {
		return nil, errors.New("JWT secret not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.config.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid service token: %w", err)
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid service token claims")
	}

	info := &AuthInfo{
		CallerID: claims.CallerID,
		AuthType: "jwt",
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = &claims.ExpiresAt.Time
	}
	return info, nil
}

// Middleware authenticates requests via X-API-Key or a Bearer service token.
// When RequireAuth is false (the single-tenant local deployment) it only
// annotates the context.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), ContextKeyClientIP, clientIP(r))

			info, err := a.authenticate(ctx, r)
			if err != nil {
				if a.config.RequireAuth {
					http.Error(w, "authentication required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if a.audit != nil {
				a.audit.LogEvent(ctx, APIKeyUsage, "authenticated request", map[string]interface{}{
					"caller_id": info.CallerID,
					"auth_type": info.AuthType,
					"path":      r.URL.Path,
				})
			}

			ctx = context.WithValue(ctx, ContextKeyAuthInfo, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) authenticate(ctx context.Context, r *http.Request) (*AuthInfo, error) {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return a.ValidateAPIKey(ctx, apiKey)
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return a.ValidateServiceToken(strings.TrimPrefix(auth, "Bearer "))
	}

	return nil, errors.New("no credentials presented")
}

// callerIDForKey derives a stable caller id from a key without storing or
// logging the key itself.
func callerIDForKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "key-" + hex.EncodeToString(sum[:4])
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
