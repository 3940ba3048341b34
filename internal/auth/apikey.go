// Package auth provides optional bearer authentication for the rerank API,
// using either a static API key or HS256-signed JWTs.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader is an alternative to the Authorization header
	APIKeyHeader = "X-API-Key"

	principalContextKey contextKey = "principal"
)

// Principal describes the authenticated caller
type Principal struct {
	Subject string
	Method  string // "api_key" or "jwt"
}

// Authenticator validates bearer credentials on HTTP requests. With neither
// an API key nor a JWT manager configured it lets every request through.
type Authenticator struct {
	apiKey string
	jwt    *JWTManager
	logger *slog.Logger
}

// NewAuthenticator creates an authenticator. Either argument may be empty.
func NewAuthenticator(apiKey string, jwtManager *JWTManager, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		apiKey: strings.TrimSpace(apiKey),
		jwt:    jwtManager,
		logger: logger,
	}
}

// Enabled reports whether any credential is configured.
func (a *Authenticator) Enabled() bool {
	return a.apiKey != "" || a.jwt != nil
}

// Middleware rejects requests without a valid credential with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			unauthorized(w, "missing API key")
			return
		}

		principal, ok := a.authenticate(token)
		if !ok {
			a.logger.WarnContext(r.Context(), "rejected credential", "path", r.URL.Path, "remote", r.RemoteAddr)
			unauthorized(w, "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(token string) (*Principal, bool) {
	if a.apiKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.apiKey)) == 1 {
		return &Principal{Subject: "api-key", Method: "api_key"}, true
	}
	if a.jwt != nil {
		claims, err := a.jwt.ValidateToken(token)
		if err == nil {
			return &Principal{Subject: claims.Subject, Method: "jwt"}, true
		}
	}
	return nil, false
}

// extractToken reads the credential from Authorization: Bearer or X-API-Key
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, found := strings.Cut(h, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="rerank"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// PrincipalFromContext extracts the authenticated caller from context
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}
