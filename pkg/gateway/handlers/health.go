package handlers

import (
	"net/http"
	"time"

	"github.com/vango-go/vai-triage/pkg/gateway/calls"
	"github.com/vango-go/vai-triage/pkg/gateway/config"
	"github.com/vango-go/vai-triage/pkg/gateway/lifecycle"
)

const serviceName = "medical-triage-gateway"

// ServiceHandler serves the static service descriptor at GET /.
type ServiceHandler struct {
	Version string
}

type serviceDescriptor struct {
	Service             string            `json:"service"`
	Version             string            `json:"version"`
	Description         string            `json:"description"`
	Architecture        map[string]string `json:"architecture"`
	Endpoints           map[string]string `json:"endpoints"`
	AgentWorkerRequired string            `json:"agent_worker_required"`
	Documentation       string            `json:"documentation"`
}

func (h ServiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	version := h.Version
	if version == "" {
		version = "dev"
	}
	writeJSON(w, http.StatusOK, serviceDescriptor{
		Service:     serviceName,
		Version:     version,
		Description: "Creates voice call rooms and routes callers between triage, support and billing",
		Architecture: map[string]string{
			"coordination_layer": "HTTP API (this service)",
			"realtime_layer":     "LiveKit WebRTC",
			"ai_layer":           "Voice agents (STT, LLM, TTS)",
		},
		Endpoints: map[string]string{
			"POST /calls/start":         "Create new voice call with agent",
			"GET /calls":                "List calls",
			"GET /calls/{call_id}":      "Call status",
			"POST /calls/{call_id}/end": "End a call",
			"POST /token":               "Generate LiveKit access token",
			"POST /rooms":               "Create LiveKit room",
			"GET /health":               "Health check with detailed metrics",
			"POST /livekit/webhook":     "LiveKit webhook handler",
			"GET /metrics":              "Agent performance metrics",
			"GET /agents":               "Available voice agents",
			"GET /agents/session":       "Dialogue engine websocket",
		},
		AgentWorkerRequired: "a dialogue engine connected to /agents/session (see triage-agent)",
		Documentation:       "https://docs.livekit.io/agents/build/",
	})
}

// HealthHandler reports configuration health and call counters. It answers
// 200 even when degraded; readiness is /readyz.
type HealthHandler struct {
	Config config.Config
	Calls  *calls.Registry
	Now    func() time.Time
}

type healthComponents struct {
	LiveKitConfig string `json:"livekit_config"`
	LiveKitAPI    string `json:"livekit_api,omitempty"`
}

type healthMetrics struct {
	ActiveCalls    int `json:"active_calls"`
	TotalCalls     int `json:"total_calls"`
	ActiveSessions int `json:"active_sessions"`
	FailedSessions int `json:"failed_sessions"`
}

type healthResp struct {
	Status     string           `json:"status"`
	Timestamp  time.Time        `json:"timestamp"`
	Service    string           `json:"service"`
	Components healthComponents `json:"components"`
	Metrics    healthMetrics    `json:"metrics"`
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	resp := healthResp{
		Status:    "healthy",
		Timestamp: now(),
		Service:   serviceName,
	}
	if h.Config.CredentialsConfigured() {
		resp.Components.LiveKitConfig = "configured"
		resp.Components.LiveKitAPI = "available"
	} else {
		resp.Components.LiveKitConfig = "missing_credentials"
		resp.Status = "degraded"
	}

	if h.Calls != nil {
		counts := h.Calls.Counts()
		m := h.Calls.Metrics()
		resp.Metrics = healthMetrics{
			// Failed calls count as not ended here, matching GET /calls.
			ActiveCalls:    counts.Total - counts.Ended,
			TotalCalls:     m.TotalCalls,
			ActiveSessions: m.ActiveSessions,
			FailedSessions: m.FailedSessions,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                    bool       `json:"ok"`
		Draining              bool       `json:"draining"`
		DrainingSince         *time.Time `json:"draining_since,omitempty"`
		AuthMode              string     `json:"auth_mode"`
		CredentialsConfigured bool       `json:"credentials_configured"`
		Issues                []string   `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.WebhookQueueSize <= 0 {
		issues = append(issues, "webhook queue size must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case draining:
		status = http.StatusServiceUnavailable
	}

	resp := readyResp{
		OK:                    ok,
		Draining:              draining,
		AuthMode:              string(h.Config.AuthMode),
		CredentialsConfigured: h.Config.CredentialsConfigured(),
		Issues:                issues,
	}
	if since, ok := h.Lifecycle.DrainingSince(); ok {
		resp.DrainingSince = &since
	}
	writeJSON(w, status, resp)
}
