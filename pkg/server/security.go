package server

import (
	"net/http"
)

// securityHeadersMiddleware sets the headers of a JSON-only API: nothing is
// rendered, embedded or cached by the browser.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		h.Set("X-Content-Type-Options", "nosniff")
		// state carries station data and entry ids
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
