package mw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/vango-go/vai-triage/pkg/gateway/auth"
	"github.com/vango-go/vai-triage/pkg/gateway/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_Burst429IncludesRetryAfter(t *testing.T) {
	h := RateLimit(ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), okHandler())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/calls/start", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("first request status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/calls/start", nil))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status=%d body=%q", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Retry-After"); got == "" {
		t.Fatalf("expected Retry-After header")
	}
	if body := rr.Body.String(); !strings.Contains(body, `"type":"rate_limit_error"`) {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestRateLimit_ConcurrentRequests429(t *testing.T) {
	lim := ratelimit.New(ratelimit.Config{MaxConcurrentRequests: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	h := RateLimit(lim, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	var wg sync.WaitGroup
	var firstStatus int
	wg.Add(1)
	go func() {
		defer wg.Done()
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/calls/start", nil))
		firstStatus = rr.Code
	}()

	<-started

	rr2 := httptest.NewRecorder()
	h.ServeHTTP(rr2, httptest.NewRequest(http.MethodPost, "/calls/start", nil))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status=%d body=%q", rr2.Code, rr2.Body.String())
	}

	close(release)
	wg.Wait()
	if firstStatus != http.StatusOK {
		t.Fatalf("first request status=%d", firstStatus)
	}
}

func TestRateLimit_PublicPathsAndKeysAreSeparate(t *testing.T) {
	h := RateLimit(ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), okHandler())

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/livekit/webhook", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("webhook request %d status=%d", i, rr.Code)
		}
	}

	for _, key := range []string{"key-a", "key-b"} {
		req := httptest.NewRequest(http.MethodGet, "/calls", nil)
		req = req.WithContext(auth.WithPrincipal(context.Background(), auth.NewPrincipal(key)))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d, want its own bucket", key, rr.Code)
		}
	}
}

func TestRateLimit_NilLimiterPassesThrough(t *testing.T) {
	next := okHandler()
	if h := RateLimit(nil, next); h == nil {
		t.Fatalf("nil handler")
	}
}
