package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-triage/pkg/gateway/calls"
	"github.com/vango-go/vai-triage/pkg/gateway/livekit"
	"github.com/vango-go/vai-triage/pkg/gateway/sessions"
)

type startCallRequest struct {
	PatientName string         `json:"patient_name,omitempty"`
	AgentType   string         `json:"agent_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type startCallResponse struct {
	CallID           string `json:"call_id"`
	RoomName         string `json:"room_name"`
	Status           string `json:"status"`
	Message          string `json:"message"`
	ParticipantToken string `json:"participant_token,omitempty"`
	LiveKitURL       string `json:"livekit_url,omitempty"`
}

// StartCallHandler registers a call and pre-issues the caller's join token.
// A token failure leaves the record in status failed.
type StartCallHandler struct {
	Calls        *calls.Registry
	Signer       livekit.TokenSigner
	LiveKitURL   string
	MaxBodyBytes int64
	Logger       *slog.Logger
}

func (h StartCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := decodeJSONBody(w, r, h.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}

	rec, err := h.Calls.Create(calls.CreateParams{
		AgentType:   req.AgentType,
		PatientName: req.PatientName,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.logError(r, "call creation failed", "", err)
		writeError(w, r, err)
		return
	}

	token, err := h.participantToken(rec)
	if err != nil {
		if markErr := h.Calls.MarkFailed(rec.CallID); markErr != nil {
			h.logError(r, "mark call failed", rec.CallID, markErr)
		}
		h.logError(r, "call creation failed", rec.CallID, err)
		writeError(w, r, err)
		return
	}

	if h.Logger != nil {
		h.Logger.Info("created voice call", "call_id", rec.CallID, "room_name", rec.RoomName, "agent_type", rec.AgentType)
	}
	writeJSON(w, http.StatusOK, startCallResponse{
		CallID:           rec.CallID,
		RoomName:         rec.RoomName,
		Status:           "ready",
		Message:          fmt.Sprintf("Voice call ready for %s. Agent will join automatically.", rec.PatientName),
		ParticipantToken: token,
		LiveKitURL:       h.LiveKitURL,
	})
}

func (h StartCallHandler) participantToken(rec calls.CallRecord) (string, error) {
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return "", fmt.Errorf("encode call metadata: %w", err)
	}
	return h.Signer.ParticipantToken(rec.RoomName, rec.PatientName, metadata)
}

func (h StartCallHandler) logError(r *http.Request, msg, callID string, err error) {
	if h.Logger == nil {
		return
	}
	h.Logger.Error(msg, "request_id", requestIDFromContext(r.Context()), "call_id", callID, "error", err)
}

type listCallsSummary struct {
	TotalActive  int `json:"total_active"`
	TotalEnded   int `json:"total_ended"`
	TotalAllTime int `json:"total_all_time"`
}

type listCallsResponse struct {
	ActiveCalls []calls.CallRecord `json:"active_calls"`
	EndedCalls  []calls.CallRecord `json:"ended_calls"`
	Summary     listCallsSummary   `json:"summary"`
}

type ListCallsHandler struct {
	Calls *calls.Registry
}

func (h ListCallsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	active, ended, err := h.Calls.List()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listCallsResponse{
		ActiveCalls: active,
		EndedCalls:  ended,
		Summary: listCallsSummary{
			TotalActive:  len(active),
			TotalEnded:   len(ended),
			TotalAllTime: h.Calls.Metrics().TotalCalls,
		},
	})
}

type GetCallHandler struct {
	Calls *calls.Registry
}

func (h GetCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Calls.Get(callIDFromPath(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type endCallResponse struct {
	CallID  string `json:"call_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// EndCallHandler marks a call ended and closes any agent session bound to it.
type EndCallHandler struct {
	Calls    *calls.Registry
	Sessions *sessions.Tracker
	Logger   *slog.Logger
}

func (h EndCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := callIDFromPath(r)
	rec, err := h.Calls.End(callID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	closed := h.Sessions.CancelCall(rec.CallID)
	if h.Logger != nil {
		h.Logger.Info("ended call", "call_id", rec.CallID, "agent_sessions_closed", closed)
	}
	writeJSON(w, http.StatusOK, endCallResponse{
		CallID:  rec.CallID,
		Status:  string(calls.StatusEnded),
		Message: "Call ended successfully",
	})
}

func callIDFromPath(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("call_id"))
}
