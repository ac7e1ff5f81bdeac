package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/billbridge/billbridge/internal/config"
)

// RequireAuth middleware checks for API token authentication. The token is
// accepted in the X-API-Token header, as a raw or Bearer Authorization
// value, or in the token query parameter.
func RequireAuth(cfg *config.Config, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no API token is configured, allow access
		if cfg.APIToken == "" {
			handler(w, r)
			return
		}

		if !tokenMatches(r, cfg.APIToken) {
			log.Warn().
				Str("ip", r.RemoteAddr).
				Str("path", r.URL.Path).
				Msg("Unauthorized API access attempt")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		handler(w, r)
	}
}

func tokenMatches(r *http.Request, want string) bool {
	presented := r.Header.Get("X-API-Token")
	if presented == "" {
		presented = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if presented == "" {
		presented = r.URL.Query().Get("token")
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1
}
