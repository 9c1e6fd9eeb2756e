package admin

import (
	"crypto/subtle"
	"net/http"
)

// basicAuth guards a handler with HTTP basic auth. With no credentials
// configured the dashboard is open, which is the expected mode behind a
// private network.
func basicAuth(user, pass string, next http.HandlerFunc) http.HandlerFunc {
	if user == "" && pass == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="smtp-agent"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
