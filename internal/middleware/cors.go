// Package middleware provides HTTP middleware for the search gateway.
package middleware

import "net/http"

// The gateway only serves GET and POST; streaming responses are consumed
// by EventSource clients, which send Last-Event-ID on reconnect.
const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, Accept, Last-Event-ID"
)

// CORS returns middleware that answers preflight requests and stamps
// CORS headers for the given origins. "*" matches any origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if matchOrigin(allowedOrigins, origin, false) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				// Credentials only for explicitly listed origins. Combining
				// Allow-Credentials with a wildcard-echoed origin enables CSRF.
				if matchOrigin(allowedOrigins, origin, true) {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func matchOrigin(allowed []string, origin string, exact bool) bool {
	for _, o := range allowed {
		if o == origin || (!exact && o == "*") {
			return true
		}
	}
	return false
}
