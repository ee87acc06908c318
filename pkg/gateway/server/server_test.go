package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-triage/pkg/gateway/calls"
	"github.com/vango-go/vai-triage/pkg/gateway/config"
	"github.com/vango-go/vai-triage/pkg/gateway/livekit"
)

var testCreds = livekit.Credentials{APIKey: "APIkey123", APISecret: "secret-for-tests-0123456789"}

func testConfig() config.Config {
	return config.Config{
		LiveKitURL:              "ws://media.example.test:7880",
		LiveKitHTTPURL:          "http://media.example.test:7880",
		LiveKit:                 testCreds,
		AuthMode:                config.AuthModeDisabled,
		APIKeys:                 map[string]struct{}{},
		CORSAllowedOrigins:      map[string]struct{}{},
		WebhookQueueSize:        8,
		MaxBodyBytes:            1 << 20,
		AgentHandshakeTimeout:   time.Second,
		AgentWSWriteTimeout:     time.Second,
		AgentMaxJSONMessageSize: 64 * 1024,
		ReadHeaderTimeout:       time.Second,
		ReadTimeout:             time.Second,
		ShutdownGracePeriod:     time.Second,
		UpstreamTimeout:         time.Second,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func serve(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(method, path, r))
	return rr
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := New(testConfig(), quietLogger())

	rr := serve(t, s, http.MethodGet, "/does-not-exist", "")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_ServiceDescriptor(t *testing.T) {
	s := New(testConfig(), quietLogger(), WithVersion("1.2.3"))

	rr := serve(t, s, http.MethodGet, "/", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["service"] != "medical-triage-gateway" || resp["version"] != "1.2.3" {
		t.Fatalf("resp=%v", resp)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID")
	}
}

func TestServer_RoutesReachable(t *testing.T) {
	s := New(testConfig(), quietLogger())

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/health"},
		{http.MethodGet, "/readyz"},
		{http.MethodGet, "/calls"},
		{http.MethodGet, "/metrics"},
		{http.MethodGet, "/metrics/prometheus"},
		{http.MethodGet, "/agents"},
		{http.MethodGet, "/agents/sessions"},
	} {
		rr := serve(t, s, tc.method, tc.path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s %s status=%d body=%q", tc.method, tc.path, rr.Code, rr.Body.String())
		}
	}
}

func TestServer_CallLifecycleThroughWebhook(t *testing.T) {
	s := New(testConfig(), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartProcessor(ctx)

	rr := serve(t, s, http.MethodPost, "/calls/start", `{"patient_name":"Jane"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("start status=%d body=%q", rr.Code, rr.Body.String())
	}
	var started struct {
		CallID   string `json:"call_id"`
		RoomName string `json:"room_name"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &started); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	body := []byte(`{"event":"room_started","room":{"name":"` + started.RoomName + `"}}`)
	auth, err := livekit.TokenSigner{Credentials: testCreds}.SignWebhook(body)
	if err != nil {
		t.Fatalf("SignWebhook: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/livekit/webhook", strings.NewReader(string(body)))
	req.Header.Set("Authorization", auth)
	wr := httptest.NewRecorder()
	s.Handler().ServeHTTP(wr, req)
	if wr.Code != http.StatusOK {
		t.Fatalf("webhook status=%d body=%q", wr.Code, wr.Body.String())
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	if err := s.CloseProcessor(closeCtx); err != nil {
		t.Fatalf("CloseProcessor: %v", err)
	}
	rec, err := s.Calls().Get(started.CallID)
	if err != nil || rec.Status != calls.StatusActive {
		t.Fatalf("record=%+v err=%v, want active", rec, err)
	}

	if rr := serve(t, s, http.MethodPost, "/calls/"+started.CallID+"/end", ""); rr.Code != http.StatusOK {
		t.Fatalf("end status=%d body=%q", rr.Code, rr.Body.String())
	}

	prom := serve(t, s, http.MethodGet, "/metrics/prometheus", "")
	for _, want := range []string{
		`triage_requests_total{method="POST",route="POST /calls/start",status="200"} 1`,
		`triage_webhook_events_total{event="room_started",outcome="applied"} 1`,
		`triage_calls_total 1`,
	} {
		if !strings.Contains(prom.Body.String(), want) {
			t.Fatalf("prometheus output missing %q:\n%s", want, prom.Body.String())
		}
	}
}

func TestServer_RoomsWithoutCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.LiveKit = livekit.Credentials{}
	s := New(cfg, quietLogger())

	rr := serve(t, s, http.MethodPost, "/rooms", `{"name":"room-1"}`)
	if rr.Code == http.StatusOK || rr.Code == http.StatusNotFound {
		t.Fatalf("status=%d body=%q, want a configuration error", rr.Code, rr.Body.String())
	}
	health := serve(t, s, http.MethodGet, "/health", "")
	if !strings.Contains(health.Body.String(), `"status":"degraded"`) {
		t.Fatalf("health=%q", health.Body.String())
	}
}

func TestServer_DrainingFailsReadiness(t *testing.T) {
	s := New(testConfig(), quietLogger())
	s.SetDraining()

	rr := serve(t, s, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rr.Code)
	}
	if s.WarnAgentSessionsDraining() != 0 || s.CancelAgentSessions() != 0 {
		t.Fatalf("expected no sessions to warn or cancel")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !s.WaitAgentSessions(ctx) {
		t.Fatalf("WaitAgentSessions should return immediately with no sessions")
	}
}

func TestServer_RateLimitAppliesToAPIRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.LimitRPS = 0.001
	cfg.LimitBurst = 1
	s := New(cfg, quietLogger())

	if rr := serve(t, s, http.MethodGet, "/calls", ""); rr.Code != http.StatusOK {
		t.Fatalf("first status=%d", rr.Code)
	}
	rr := serve(t, s, http.MethodGet, "/calls", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second status=%d, want 429", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"type":"rate_limit_error"`) {
		t.Fatalf("body=%q", rr.Body.String())
	}
	if rr := serve(t, s, http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("health status=%d, public paths are not limited", rr.Code)
	}
}

func TestServer_RequiredAuth(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.APIKeys = map[string]struct{}{"k1": {}}
	s := New(cfg, quietLogger())

	if rr := serve(t, s, http.MethodGet, "/calls", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/calls", nil)
	req.Header.Set("Authorization", "Bearer k1")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}
