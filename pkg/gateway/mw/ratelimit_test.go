package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-evidence/pkg/gateway/ratelimit"
)

func TestRateLimit_429IncludesRetryAfter(t *testing.T) {
	lim := ratelimit.New(ratelimit.Config{Window: time.Minute})
	key := func(r *http.Request) string { return "analyze:" + r.URL.Query().Get("id") }
	h := RateLimit(lim, 1, key, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	do := func(id string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/analyze?id="+id, nil))
		return rr
	}

	if rr := do("a"); rr.Code != http.StatusAccepted {
		t.Fatalf("first request status=%d body=%q", rr.Code, rr.Body.String())
	}
	rr := do("a")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status=%d body=%q", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Retry-After"); got == "" {
		t.Fatalf("expected Retry-After header")
	}
	if body := rr.Body.String(); !strings.Contains(body, `"type":"rate_limit_error"`) {
		t.Fatalf("unexpected body: %q", body)
	}
	if rr := do("b"); rr.Code != http.StatusAccepted {
		t.Fatalf("other key status=%d", rr.Code)
	}
}

func TestRateLimit_DisabledPassesThrough(t *testing.T) {
	called := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called++ })
	h := RateLimit(nil, 1, func(*http.Request) string { return "k" }, next)
	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	if called != 3 {
		t.Fatalf("called=%d", called)
	}
}
