package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-triage/pkg/gateway/apierror"
	"github.com/vango-go/vai-triage/pkg/gateway/auth"
	"github.com/vango-go/vai-triage/pkg/gateway/ratelimit"
)

// PrincipalKey is the rate limit key for the request's caller.
func PrincipalKey(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.KeyID
	}
	return ratelimit.Anonymous
}

// RateLimit applies per-key request limits. Public paths, preflights and
// websocket upgrades are not counted; agent sessions have their own cap.
func RateLimit(limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) || r.Method == http.MethodOptions || auth.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.AcquireRequest(PrincipalKey(r), time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			writeJSONError(w, http.StatusTooManyRequests, &apierror.Error{
				Type:      apierror.ErrRateLimit,
				Message:   "rate limit exceeded",
				RequestID: reqID,
			})
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}
