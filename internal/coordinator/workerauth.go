package coordinator

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// WorkerAuth is optional bearer-token hardening for the lease RPCs,
// distinct from the Submitter-facing auth SPEC_FULL.md's Non-goals exclude
// — there are no user accounts or API keys here, only a single shared
// secret every Worker process is configured with. A zero-value WorkerAuth
// (empty secretHash) disables the check entirely.
type WorkerAuth struct {
	secretHash string
}

// NewWorkerAuth creates a WorkerAuth from a bcrypt hash of the shared
// secret. An empty hash disables the check.
func NewWorkerAuth(secretHash string) *WorkerAuth {
	return &WorkerAuth{secretHash: secretHash}
}

// Middleware rejects requests missing a valid "Authorization: Bearer
// <secret>" header when a secret hash is configured; it is a no-op
// passthrough otherwise.
func (a *WorkerAuth) Middleware(next http.Handler) http.Handler {
	if a.secretHash == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
			writeAuthError(w, "missing or malformed authorization header")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(a.secretHash), []byte(parts[1])); err != nil {
			log.Warn().Str("path", r.URL.Path).Msg("worker auth rejected: secret mismatch")
			writeAuthError(w, "invalid worker secret")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
