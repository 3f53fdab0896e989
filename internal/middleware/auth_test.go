package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestAuthenticator(t *testing.T, tokens ...string) *Authenticator {
	t.Helper()
	hashes := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		h, err := bcrypt.GenerateFromPassword([]byte(tok), bcrypt.MinCost)
		require.NoError(t, err)
		hashes = append(hashes, string(h))
	}
	return NewAuthenticator(hashes, slog.Default())
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireDashboard(t *testing.T) {
	auth := newTestAuthenticator(t, "dashboard-secret")
	handler := auth.RequireDashboard(okHandler())

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid token", "Bearer dashboard-secret", http.StatusOK},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/licenses", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRejectDashboardOnMachineEndpoint(t *testing.T) {
	auth := newTestAuthenticator(t, "dashboard-secret")
	handler := auth.RejectDashboard(okHandler())

	// A dashboard credential must never be accepted on the
	// machine-facing endpoint, even a valid one.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify", nil)
	req.Header.Set("Authorization", "Bearer dashboard-secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Without a bearer token the request passes through.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/verify", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
