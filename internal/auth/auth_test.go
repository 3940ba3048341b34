package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager(DefaultJWTConfig("s3cret"))

	token, err := m.GenerateToken("client-1", "search-frontend")
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.Subject)
	assert.Equal(t, "search-frontend", claims.ClientName)
	assert.Equal(t, "local-rerank", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestJWTManager_Rejects(t *testing.T) {
	m := NewJWTManager(DefaultJWTConfig("s3cret"))

	t.Run("expired", func(t *testing.T) {
		token, err := m.GenerateTokenWithExpiry("c", "", -time.Minute)
		require.NoError(t, err)
		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTManager(DefaultJWTConfig("other"))
		token, err := other.GenerateToken("c", "")
		require.NoError(t, err)
		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		cfg := DefaultJWTConfig("s3cret")
		cfg.Issuer = "someone-else"
		token, err := NewJWTManager(cfg).GenerateToken("c", "")
		require.NoError(t, err)
		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		cfg := DefaultJWTConfig("s3cret")
		cfg.SigningMethod = jwt.SigningMethodHS512
		token, err := NewJWTManager(cfg).GenerateToken("c", "")
		require.NoError(t, err)
		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.ValidateToken("not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func serveWith(a *Authenticator, req *http.Request) (*httptest.ResponseRecorder, *Principal) {
	var seen *Principal
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestAuthenticator_Disabled(t *testing.T) {
	a := NewAuthenticator("", nil, nil)
	assert.False(t, a.Enabled())

	rec, principal := serveWith(a, httptest.NewRequest(http.MethodPost, "/rerank", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, principal)
}

func TestAuthenticator_APIKey(t *testing.T) {
	a := NewAuthenticator("key-123", nil, nil)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{name: "bearer", header: "Authorization", value: "Bearer key-123", want: http.StatusOK},
		{name: "lowercase scheme", header: "Authorization", value: "bearer key-123", want: http.StatusOK},
		{name: "x-api-key", header: APIKeyHeader, value: "key-123", want: http.StatusOK},
		{name: "wrong key", header: "Authorization", value: "Bearer nope", want: http.StatusUnauthorized},
		{name: "basic scheme", header: "Authorization", value: "Basic key-123", want: http.StatusUnauthorized},
		{name: "missing", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/rerank", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec, principal := serveWith(a, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				require.NotNil(t, principal)
				assert.Equal(t, "api_key", principal.Method)
			} else {
				assert.Contains(t, rec.Body.String(), "detail")
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestAuthenticator_JWT(t *testing.T) {
	m := NewJWTManager(DefaultJWTConfig("s3cret"))
	a := NewAuthenticator("", m, nil)

	token, err := m.GenerateToken("svc-7", "indexer")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rerank", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, principal := serveWith(a, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, principal)
	assert.Equal(t, "svc-7", principal.Subject)
	assert.Equal(t, "jwt", principal.Method)
}
