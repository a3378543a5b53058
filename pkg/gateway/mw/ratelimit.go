package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-evidence/pkg/gateway/apierror"
	"github.com/vango-go/vai-evidence/pkg/gateway/ratelimit"
)

// KeyFunc derives the admission key for a request, e.g. "analyze:<id>".
type KeyFunc func(r *http.Request) string

// RateLimit admits at most limit requests per key per limiter window and
// answers 429 with Retry-After otherwise.
func RateLimit(limiter *ratelimit.Limiter, limit int, key KeyFunc, next http.Handler) http.Handler {
	if limiter == nil || limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec := limiter.Allow(key(r), limit, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			retry := dec.RetryAfter
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			apierror.Write(w, http.StatusTooManyRequests, &apierror.Error{
				Type:       apierror.ErrRateLimit,
				Message:    "rate limit exceeded",
				RequestID:  reqID,
				RetryAfter: &retry,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
