package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-triage/pkg/gateway/auth"
	"github.com/vango-go/vai-triage/pkg/gateway/config"
)

func requiredAuthConfig() config.Config {
	return config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"tri_sk_test": {}}}
}

func noContent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func TestAuth_RequiredRejectsMissingKey(t *testing.T) {
	h := Auth(requiredAuthConfig(), http.HandlerFunc(noContent))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/calls/start", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_RequiredRejectsUnknownKey(t *testing.T) {
	h := Auth(requiredAuthConfig(), http.HandlerFunc(noContent))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/calls", nil)
	req.Header.Set("Authorization", "Bearer nope")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_AcceptsBearerAndHeaderKeys(t *testing.T) {
	var principal *auth.Principal
	h := Auth(requiredAuthConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ = auth.PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, set := range []func(*http.Request){
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer tri_sk_test") },
		func(r *http.Request) { r.Header.Set("X-API-Key", "tri_sk_test") },
	} {
		principal = nil
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/calls", nil)
		set(req)
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
		}
		if principal == nil || principal.APIKey != "tri_sk_test" || principal.KeyID == "" {
			t.Fatalf("principal=%+v", principal)
		}
	}
}

func TestAuth_PublicPathsBypass(t *testing.T) {
	h := Auth(requiredAuthConfig(), http.HandlerFunc(noContent))

	for _, path := range []string{"/", "/health", "/readyz", "/livekit/webhook", "/client", "/static/app.js"} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s: status=%d body=%q", path, rr.Code, rr.Body.String())
		}
	}
}

func TestAuth_WebSocketUpgradeAcceptsQueryKey(t *testing.T) {
	h := Auth(requiredAuthConfig(), http.HandlerFunc(noContent))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/agents/session?api_key=tri_sk_test", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/calls?api_key=tri_sk_test", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("query key on plain request: status=%d", rr.Code)
	}
}

func TestAuth_OptionalAllowsAnonymous(t *testing.T) {
	cfg := requiredAuthConfig()
	cfg.AuthMode = config.AuthModeOptional
	h := Auth(cfg, http.HandlerFunc(noContent))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/calls", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rr.Code)
	}
}
