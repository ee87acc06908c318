package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/vai-triage/pkg/gateway/calls"
	"github.com/vango-go/vai-triage/pkg/gateway/config"
	"github.com/vango-go/vai-triage/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-triage/pkg/gateway/livekit"
)

func readyConfig() config.Config {
	return config.Config{
		AuthMode:          config.AuthModeOptional,
		APIKeys:           map[string]struct{}{},
		MaxBodyBytes:      1,
		WebhookQueueSize:  1,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       time.Second,
	}
}

func TestReadyHandler_RequiredAuthEmptyKeys_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.AuthMode = config.AuthModeRequired
	h := ReadyHandler{Config: cfg}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatalf("expected ok=false, got ok=true")
	}
}

func TestReadyHandler_OptionalAuth_Ready(t *testing.T) {
	h := ReadyHandler{Config: readyConfig(), Lifecycle: &lifecycle.Lifecycle{}}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReadyHandler_DrainingIsUnavailable(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	h := ReadyHandler{Config: readyConfig(), Lifecycle: lc}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rr.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["draining"] != true || resp["draining_since"] == nil {
		t.Fatalf("resp=%v", resp)
	}
}

func TestHealthHandler_DegradedWithoutCredentials(t *testing.T) {
	reg := calls.NewRegistry()
	if _, err := reg.Create(calls.CreateParams{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h := HealthHandler{Config: config.Config{}, Calls: reg}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var resp healthResp
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "degraded" || resp.Components.LiveKitConfig != "missing_credentials" || resp.Components.LiveKitAPI != "" {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.Metrics.ActiveCalls != 1 || resp.Metrics.TotalCalls != 1 || resp.Metrics.ActiveSessions != 1 {
		t.Fatalf("metrics=%+v", resp.Metrics)
	}
}

func TestHealthHandler_HealthyWithCredentials(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	h := HealthHandler{
		Config: config.Config{LiveKit: livekit.Credentials{APIKey: "key", APISecret: "secret"}},
		Calls:  calls.NewRegistry(),
		Now:    func() time.Time { return now },
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp healthResp
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "healthy" || resp.Components.LiveKitAPI != "available" {
		t.Fatalf("resp=%+v", resp)
	}
	if !resp.Timestamp.Equal(now) || resp.Service != serviceName {
		t.Fatalf("timestamp=%v service=%q", resp.Timestamp, resp.Service)
	}
}

func TestServiceHandler_Descriptor(t *testing.T) {
	rr := httptest.NewRecorder()
	ServiceHandler{Version: "1.2.3"}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	var resp serviceDescriptor
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version != "1.2.3" {
		t.Fatalf("version=%q", resp.Version)
	}
	if resp.Service != serviceName {
		t.Fatalf("service=%q, want %q", resp.Service, serviceName)
	}
	if _, ok := resp.Endpoints["POST /calls/start"]; !ok {
		t.Fatalf("endpoints=%v", resp.Endpoints)
	}
	if resp.Architecture["realtime_layer"] == "" || resp.AgentWorkerRequired == "" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestNotFoundHandler_Envelope(t *testing.T) {
	rr := httptest.NewRecorder()
	NotFoundHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
	var env struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil || env.Error.Type != "not_found_error" {
		t.Fatalf("body=%s err=%v", rr.Body.String(), err)
	}
}
