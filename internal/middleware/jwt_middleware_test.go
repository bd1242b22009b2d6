package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keysync/internal/auth"
)

var testSecret = []byte("middleware-test-secret")

func protectedHandler(t *testing.T) http.Handler {
	return ServiceJWTMiddleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetServiceClaims(r.Context())
		assert.True(t, ok)
		_, _ = w.Write([]byte(claims.Subject))
	}))
}

func TestServiceJWTMiddleware_Accepts(t *testing.T) {
	token, err := auth.GenerateServiceToken(testSecret, "webhook", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	protectedHandler(t).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "webhook", rec.Body.String())
}

func TestServiceJWTMiddleware_Rejects(t *testing.T) {
	wrong, err := auth.GenerateServiceToken([]byte("other"), "webhook", time.Minute)
	require.NoError(t, err)
	good, err := auth.GenerateServiceToken(testSecret, "webhook", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing header", "", "Missing authentication token"},
		{"not bearer", "Basic " + good, "Bearer"},
		{"empty bearer", "Bearer ", "Bearer"},
		{"bad signature", "Bearer " + wrong, "Invalid or expired token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/admin/keys", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			protectedHandler(t).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}
