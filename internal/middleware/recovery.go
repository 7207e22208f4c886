// Package middleware provides HTTP middleware for the Resolvarr server.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
)

// Recovery converts panics anywhere below it into a JSON 500. It sits
// outermost in the chain so a panicking resolver cannot kill the server.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", maskIP(r.RemoteAddr)).
				Msg("Panic recovered in request handler")
			writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", start)
		}()
		next.ServeHTTP(w, r)
	})
}
