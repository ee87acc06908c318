package handlers

import (
	"net/http"

	"github.com/vango-go/vai-triage/pkg/gateway/calls"
	"github.com/vango-go/vai-triage/pkg/gateway/config"
)

type systemMetrics struct {
	LiveKitURL            string `json:"livekit_url"`
	CredentialsConfigured bool   `json:"credentials_configured"`
	WebhookConfigured     bool   `json:"webhook_configured"`
}

type metricsResponse struct {
	AgentMetrics  calls.AgentMetrics `json:"agent_metrics"`
	CallMetrics   calls.CallCounts   `json:"call_metrics"`
	SystemMetrics systemMetrics      `json:"system_metrics"`
}

// MetricsHandler serves the JSON counters at GET /metrics. The Prometheus
// exposition lives at /metrics/prometheus.
type MetricsHandler struct {
	Config            config.Config
	Calls             *calls.Registry
	WebhookConfigured bool
}

func (h MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metricsResponse{
		AgentMetrics: h.Calls.Metrics(),
		CallMetrics:  h.Calls.Counts(),
		SystemMetrics: systemMetrics{
			LiveKitURL:            h.Config.LiveKitURL,
			CredentialsConfigured: h.Config.CredentialsConfigured(),
			WebhookConfigured:     h.WebhookConfigured,
		},
	})
}
