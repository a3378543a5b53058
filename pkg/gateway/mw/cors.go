package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-evidence/pkg/gateway/apierror"
	"github.com/vango-go/vai-evidence/pkg/gateway/config"
)

const corsMaxAgeSeconds = "600"

// Browser clients create sessions, patch constraints, stream events and open
// the live socket. Live tokens travel in Authorization or the query string.
var (
	corsAllowedMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions}, ", ")
	corsAllowedHeaders = strings.Join([]string{"Authorization", "Content-Type", "X-Request-ID", "Last-Event-ID"}, ", ")
	corsExposedHeaders = strings.Join([]string{"X-Request-ID", "Retry-After"}, ", ")
)

// OriginAllowed reports whether origin is on the allowlist. An empty
// allowlist admits no cross-origin caller.
func OriginAllowed(allowed map[string]struct{}, origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" || len(allowed) == 0 {
		return false
	}
	_, ok := allowed[origin]
	return ok
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}

func CORS(cfg config.Config, next http.Handler) http.Handler {
	allowed := cfg.CORSAllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		ok := OriginAllowed(allowed, origin)

		if isPreflight(r) {
			if !ok {
				reqID, _ := RequestIDFrom(r.Context())
				apierror.Write(w, http.StatusForbidden, &apierror.Error{
					Type:      apierror.ErrPermission,
					Message:   "cors preflight not allowed",
					Param:     "Origin",
					RequestID: reqID,
				})
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAgeSeconds)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if ok {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}
