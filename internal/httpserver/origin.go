package httpserver

import (
	"net/http"
	"strings"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/origin"
)

func (s *Server) checkOrigin(r *http.Request) bool {
	return origin.Allowed(r.Header.Get("Origin"), r.Host, s.cfg.AllowedOrigins)
}

// withOrigin rejects disallowed browser origins and answers CORS preflights
// before auth runs, since browsers send preflights without credentials.
func (s *Server) withOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Origin"))
		if header == "" {
			next(w, r)
			return
		}
		if !s.checkOrigin(r) {
			WriteJSON(w, http.StatusForbidden, errorBody{Error: "origin not allowed"})
			return
		}

		normalized, _, _ := origin.Normalize(header)
		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,X-API-Key,Authorization,X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
