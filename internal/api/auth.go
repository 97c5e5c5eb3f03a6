package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/sandvfs/sandvfs/internal/logging"
)

// AuthConfig gates the pool-management surface behind a shared API key.
// The probe endpoints stay open so load balancers can health-check the
// server without credentials.
type AuthConfig struct {
	Enabled bool
	APIKey  string
}

const apiKeyHint = "generate one with: openssl rand -base64 32"

// Validate rejects configurations that would leave the management
// surface guessable.
func (a AuthConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.APIKey == "" {
		return fmt.Errorf("authentication enabled without an API key (%s)", apiKeyHint)
	}
	if len(a.APIKey) < 16 {
		return fmt.Errorf("API key too short: %d characters, need at least 16", len(a.APIKey))
	}
	return nil
}

// Middleware enforces the key on every request outside the open probe
// endpoints. The key is read from X-API-Key or a bearer token and
// compared in constant time.
func (a AuthConfig) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled || openEndpoint(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				key = bearer
			}
		}
		if key == "" {
			logging.Warn("unauthorized_request",
				"path", r.URL.Path,
				"reason", "no credentials")
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing API key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(a.APIKey)) != 1 {
			logging.Warn("unauthorized_request",
				"path", r.URL.Path,
				"reason", "invalid API key")
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// openEndpoint reports whether the path serves unauthenticated health
// probes.
func openEndpoint(path string) bool {
	return path == "/" || path == "/health"
}
