package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"sentineld/internal/infrastructure"
)

// Authenticator enforces the two auth boundaries of the API:
// dashboard operators present a bearer token checked against bcrypt
// hashes; deployed binaries authenticate with the license capability
// embedded in their verification payload and must never carry a
// bearer token.
type Authenticator struct {
	tokenHashes []string
	logger      *slog.Logger
}

// NewAuthenticator builds an authenticator from bcrypt token hashes.
func NewAuthenticator(tokenHashes []string, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		tokenHashes: tokenHashes,
		logger:      logger.With(slog.String("component", "auth")),
	}
}

// RequireDashboard admits requests carrying a bearer token that
// matches one of the configured hashes.
func (a *Authenticator) RequireDashboard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token, ok := bearerToken(r)
		if !ok {
			a.deny(w, r, "missing bearer token")
			return
		}
		if !a.tokenValid(token) {
			a.logger.WarnContext(ctx, "rejected bearer token",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr)
			a.deny(w, r, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RejectDashboard blocks requests that present a bearer token. The
// machine-facing verification endpoint authenticates via license ID
// plus fingerprint; a dashboard session credential appearing there is
// a boundary violation, not an upgrade.
func (a *Authenticator) RejectDashboard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := bearerToken(r); ok {
			a.logger.WarnContext(r.Context(), "bearer token on machine endpoint",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr)
			a.deny(w, r, "bearer tokens are not accepted on this endpoint")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) tokenValid(token string) bool {
	// Always walk every hash so timing does not reveal which slot matched.
	valid := false
	for _, hash := range a.tokenHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			valid = true
		}
	}
	return valid
}

func (a *Authenticator) deny(w http.ResponseWriter, r *http.Request, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)
	traceID := infrastructure.GetTraceID(r.Context())
	response := `{"type":"/errors/unauthorized","title":"Unauthorized","status":401,"detail":"` + detail + `","trace_id":"` + traceID + `"}`
	w.Write([]byte(response))
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}
