package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-triage/pkg/gateway/apierror"
	"github.com/vango-go/vai-triage/pkg/gateway/livekit"
)

// EventQueue accepts verified lifecycle events without blocking.
type EventQueue interface {
	Enqueue(ev livekit.Event) bool
}

type webhookResponse struct {
	Status string            `json:"status"`
	Event  livekit.EventType `json:"event"`
}

// WebhookHandler verifies media platform notifications and hands them to
// the lifecycle processor. The acknowledgment never waits for processing.
type WebhookHandler struct {
	Receiver     *livekit.WebhookReceiver
	Events       EventQueue
	MaxBodyBytes int64
	Logger       *slog.Logger
}

func (h WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if h.Receiver == nil {
		writeAPIErrorJSON(w, reqID, &apierror.Error{
			Type:    apierror.ErrConfiguration,
			Message: "Webhook receiver not configured",
			Code:    "webhook_not_configured",
		}, http.StatusInternalServerError)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if authHeader == "" {
		writeError(w, r, livekit.ErrMissingAuthorization)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "webhook body too large", Code: "body_too_large"})
			return
		}
		writeError(w, r, apierror.InvalidRequest("failed to read body", ""))
		return
	}

	ev, err := h.Receiver.Receive(body, authHeader)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("webhook verification failed", "request_id", reqID, "error", err)
		}
		if !errors.Is(err, livekit.ErrMissingAuthorization) {
			err = livekit.ErrInvalidSignature
		}
		writeError(w, r, err)
		return
	}

	queued := h.Events != nil && h.Events.Enqueue(ev)
	if h.Logger != nil {
		h.Logger.Info("received webhook event", "request_id", reqID, "event", string(ev.Event), "room_name", ev.RoomName(), "queued", queued)
	}
	writeJSON(w, http.StatusOK, webhookResponse{Status: "ok", Event: ev.Event})
}

func (h WebhookHandler) maxBodyBytes() int64 {
	if h.MaxBodyBytes > 0 {
		return h.MaxBodyBytes
	}
	return 1 << 20
}
