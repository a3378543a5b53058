package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-evidence/pkg/gateway/config"
)

const appOrigin = "https://app.example.com"

func corsHandler(t *testing.T, origins ...string) (http.Handler, *bool) {
	t.Helper()
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	called := false
	h := CORS(config.Config{CORSAllowedOrigins: allowed}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	return h, &called
}

func TestOriginAllowed(t *testing.T) {
	allowed := map[string]struct{}{appOrigin: {}}

	assert.True(t, OriginAllowed(allowed, appOrigin))
	assert.True(t, OriginAllowed(allowed, " "+appOrigin+" "))
	assert.False(t, OriginAllowed(allowed, "https://evil.example.com"))
	assert.False(t, OriginAllowed(allowed, ""))
	assert.False(t, OriginAllowed(nil, appOrigin), "empty allowlist admits nobody")
}

func TestCORS_NoAllowlistAddsNoHeaders(t *testing.T) {
	h, called := corsHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.True(t, *called)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_AllowlistedOriginOnSessionRoutes(t *testing.T) {
	h, called := corsHandler(t, appOrigin)

	req := httptest.NewRequest(http.MethodPatch, "/v1/sessions/s1/constraints", nil)
	req.Header.Set("Origin", appOrigin)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.True(t, *called)
	assert.Equal(t, appOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rr.Header().Get("Vary"))
	assert.Contains(t, rr.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}

func TestCORS_Preflight(t *testing.T) {
	tests := []struct {
		name       string
		origin     string
		wantStatus int
	}{
		{name: "allowed", origin: appOrigin, wantStatus: http.StatusNoContent},
		{name: "unknown origin", origin: "https://evil.example.com", wantStatus: http.StatusForbidden},
		{name: "no origin", origin: "", wantStatus: http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, called := corsHandler(t, appOrigin)

			req := httptest.NewRequest(http.MethodOptions, "/v1/sessions/s1/constraints", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			require.Equal(t, tc.wantStatus, rr.Code, rr.Body.String())
			assert.False(t, *called, "preflight never reaches the router")
			if tc.wantStatus != http.StatusNoContent {
				assert.Contains(t, rr.Body.String(), `"permission_error"`)
				return
			}
			assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), http.MethodPatch)
			assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "Last-Event-ID")
			assert.Equal(t, "600", rr.Header().Get("Access-Control-Max-Age"))
		})
	}
}

func TestCORS_PlainOptionsIsNotPreflight(t *testing.T) {
	h, called := corsHandler(t, appOrigin)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodOptions, "/v1/sessions", nil))

	assert.True(t, *called)
}
