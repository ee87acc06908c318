package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-triage/pkg/gateway/apierror"
	"github.com/vango-go/vai-triage/pkg/gateway/livekit"
)

type tokenRequest struct {
	RoomName        string         `json:"room_name"`
	ParticipantName string         `json:"participant_name"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type tokenResponse struct {
	Token    string `json:"token"`
	URL      string `json:"url"`
	RoomName string `json:"room_name"`
}

// TokenHandler issues a room join token for an arbitrary participant.
type TokenHandler struct {
	Signer       livekit.TokenSigner
	LiveKitURL   string
	MaxBodyBytes int64
	Logger       *slog.Logger
}

func (h TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSONBody(w, r, h.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.RoomName = strings.TrimSpace(req.RoomName)
	req.ParticipantName = strings.TrimSpace(req.ParticipantName)
	if req.RoomName == "" {
		writeError(w, r, apierror.InvalidRequest("room_name is required", "room_name"))
		return
	}
	if req.ParticipantName == "" {
		writeError(w, r, apierror.InvalidRequest("participant_name is required", "participant_name"))
		return
	}

	metadata, err := encodeMetadata(req.Metadata)
	if err != nil {
		writeError(w, r, apierror.InvalidRequest("metadata must be a JSON object", "metadata"))
		return
	}
	token, err := h.Signer.ParticipantToken(req.RoomName, req.ParticipantName, metadata)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("token generation failed", "request_id", requestIDFromContext(r.Context()), "room_name", req.RoomName, "error", err)
		}
		writeError(w, r, err)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("generated token", "room_name", req.RoomName, "participant", req.ParticipantName)
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, URL: h.LiveKitURL, RoomName: req.RoomName})
}

func encodeMetadata(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
