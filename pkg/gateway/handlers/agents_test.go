package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/vai-triage/pkg/gateway/sessions"
)

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func TestAgentsHandler_DescribesRoles(t *testing.T) {
	tracker := sessions.NewTracker()
	unregister := tracker.Register("as_1", sessions.Handle{})
	defer unregister()

	rr := httptest.NewRecorder()
	AgentsHandler{Sessions: tracker}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/agents", nil))

	var agents []agentDescriptor
	if err := json.Unmarshal(rr.Body.Bytes(), &agents); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("agents=%+v", agents)
	}
	a := agents[0]
	if a.Name != "medical_triage" || a.Status != "available" || a.ActiveSessions != 1 {
		t.Fatalf("agent=%+v", a)
	}
	if len(a.Roles) != 3 {
		t.Fatalf("roles=%+v", a.Roles)
	}
	for _, role := range a.Roles {
		if role.Instructions == "" || len(role.Transfers) != 2 || len(role.Actions) == 0 {
			t.Fatalf("role=%+v", role)
		}
	}
}

func TestAgentSessionsHandler_EmptyList(t *testing.T) {
	rr := httptest.NewRecorder()
	AgentSessionsHandler{Sessions: sessions.NewTracker()}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/agents/sessions", nil))

	if rr.Body.String() != "{\"sessions\":[]}\n" {
		t.Fatalf("body=%q", rr.Body.String())
	}
}
