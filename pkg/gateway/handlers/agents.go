package handlers

import (
	"net/http"

	"github.com/vango-go/vai-triage/pkg/gateway/calls"
	"github.com/vango-go/vai-triage/pkg/gateway/sessions"
	"github.com/vango-go/vai-triage/pkg/triage"
)

type roleDescriptor struct {
	Name         triage.Role     `json:"name"`
	DisplayName  string          `json:"display_name"`
	Instructions string          `json:"instructions"`
	Transfers    []triage.Role   `json:"transfers"`
	Actions      []triage.Action `json:"actions"`
}

type agentDescriptor struct {
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	Status         string           `json:"status"`
	Capabilities   []string         `json:"capabilities"`
	Pipeline       triage.Pipeline  `json:"pipeline"`
	ActiveSessions int              `json:"active_sessions"`
	Roles          []roleDescriptor `json:"roles"`
}

// AgentsHandler lists the voice agents this gateway can route calls to.
type AgentsHandler struct {
	Scripts  *triage.Scripts
	Sessions *sessions.Tracker
}

func (h AgentsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scripts := h.Scripts
	if scripts == nil {
		scripts = triage.DefaultScripts()
	}

	roles := make([]roleDescriptor, 0, len(triage.Roles))
	for _, role := range triage.Roles {
		roles = append(roles, roleDescriptor{
			Name:         role,
			DisplayName:  scripts.Roles[role].DisplayName,
			Instructions: scripts.Instructions(role),
			Transfers:    role.Targets(),
			Actions:      triage.ActionsFor(role),
		})
	}

	writeJSON(w, http.StatusOK, []agentDescriptor{{
		Name:           calls.DefaultAgentType,
		Description:    "Medical Office Triage Agent - Routes patients to appropriate departments",
		Status:         "available",
		Capabilities:   []string{"voice_interaction", "symptom_collection", "department_routing"},
		Pipeline:       scripts.Pipeline,
		ActiveSessions: h.Sessions.Count(),
		Roles:          roles,
	}})
}

type agentSessionsResponse struct {
	Sessions []sessions.Summary `json:"sessions"`
}

// AgentSessionsHandler lists connected dialogue engine sessions.
type AgentSessionsHandler struct {
	Sessions *sessions.Tracker
}

func (h AgentSessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	list := h.Sessions.List()
	if list == nil {
		list = []sessions.Summary{}
	}
	writeJSON(w, http.StatusOK, agentSessionsResponse{Sessions: list})
}
