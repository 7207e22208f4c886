package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/resolvarr/resolvarr/internal/config"
)

// exemptPaths are reachable without credentials so load balancers and
// scrapers do not need the key.
var exemptPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// clientKey pulls the presented API key from the header or, failing
// that, the query string.
func clientKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get("api_key")
}

// APIKey returns middleware enforcing API key authentication. A
// disabled key in config turns it into a passthrough.
func APIKey(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.APIKeyEnabled {
				next.ServeHTTP(w, r)
				return
			}
			if _, exempt := exemptPaths[r.URL.Path]; exempt {
				next.ServeHTTP(w, r)
				return
			}

			// Constant-time comparison to prevent timing attacks.
			if subtle.ConstantTimeCompare([]byte(clientKey(r)), []byte(cfg.APIKey)) != 1 {
				writeErrorResponse(w, http.StatusUnauthorized, "Invalid or missing API key", time.Now())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
