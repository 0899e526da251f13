package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func authedHandler(seen *string) http.Handler {
	return JWTAuth(testSecret, []string{"/health", "/api/v1/payments/return"}, discardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*seen = UserIDFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))
}

func TestJWTAuth_ValidToken(t *testing.T) {
	var seen string
	h := authedHandler(&seen)

	tok := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"user_id": "user-1",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/flows/abc", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", seen)
}

func TestJWTAuth_FallsBackToSubject(t *testing.T) {
	var seen string
	h := authedHandler(&seen)

	tok := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"sub": "user-sub",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/flows", nil)
	req.Header.Set("Authorization", "bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-sub", seen)
}

func TestJWTAuth_Rejections(t *testing.T) {
	expired := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"user_id": "user-1",
		"exp":     time.Now().Add(-time.Minute).Unix(),
	})
	wrongKey := signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"user_id": "user-1"})
	wrongAlg := signToken(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{"user_id": "user-1"})
	noSubject := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"role": "x"})

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"empty token", "Bearer  "},
		{"expired", "Bearer " + expired},
		{"wrong key", "Bearer " + wrongKey},
		{"wrong algorithm", "Bearer " + wrongAlg},
		{"no subject", "Bearer " + noSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := authedHandler(&seen)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/flows", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
			assert.Empty(t, seen)
		})
	}
}

func TestJWTAuth_PublicPrefixAndPreflight(t *testing.T) {
	var seen string
	h := authedHandler(&seen)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/health/ready", nil),
		httptest.NewRequest(http.MethodGet, "/api/v1/payments/return?payment_intent=pi_1", nil),
		httptest.NewRequest(http.MethodOptions, "/api/v1/flows", nil),
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, req.URL.Path)
	}
}
