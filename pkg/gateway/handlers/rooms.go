package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-triage/pkg/gateway/apierror"
	"github.com/vango-go/vai-triage/pkg/gateway/livekit"
	"github.com/vango-go/vai-triage/pkg/gateway/metrics"
)

const (
	defaultMaxParticipants = 10
	defaultEmptyTimeout    = 600
)

type RoomCreator interface {
	CreateRoom(ctx context.Context, req livekit.CreateRoomRequest) (livekit.Room, error)
}

type createRoomRequest struct {
	Name            string `json:"name"`
	MaxParticipants *int   `json:"max_participants,omitempty"`
	EmptyTimeout    *int   `json:"empty_timeout,omitempty"`
}

type roomMetadata struct {
	AgentEnabled bool      `json:"agent_enabled"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}

type createRoomResponse struct {
	Room   livekit.Room `json:"room"`
	Status string       `json:"status"`
}

// RoomsHandler creates a room on the media platform.
type RoomsHandler struct {
	Rooms        RoomCreator
	Metrics      *metrics.Metrics
	MaxBodyBytes int64
	Logger       *slog.Logger
	Now          func() time.Time
}

func (h RoomsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeJSONBody(w, r, h.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, r, apierror.InvalidRequest("name is required", "name"))
		return
	}
	maxParticipants := defaultMaxParticipants
	if req.MaxParticipants != nil {
		maxParticipants = *req.MaxParticipants
	}
	emptyTimeout := defaultEmptyTimeout
	if req.EmptyTimeout != nil {
		emptyTimeout = *req.EmptyTimeout
	}
	if maxParticipants < 0 || int64(maxParticipants) > math.MaxUint32 {
		writeError(w, r, apierror.InvalidRequest(fmt.Sprintf("max_participants must be between 0 and %d", uint32(math.MaxUint32)), "max_participants"))
		return
	}
	if emptyTimeout < 0 || int64(emptyTimeout) > math.MaxUint32 {
		writeError(w, r, apierror.InvalidRequest(fmt.Sprintf("empty_timeout must be between 0 and %d", uint32(math.MaxUint32)), "empty_timeout"))
		return
	}
	if h.Rooms == nil {
		writeError(w, r, livekit.ErrCredentialsMissing)
		return
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	metadata, err := encodeMetadata(roomMetadata{AgentEnabled: true, CreatedBy: serviceName, CreatedAt: now()})
	if err != nil {
		writeError(w, r, err)
		return
	}

	room, err := h.Rooms.CreateRoom(r.Context(), livekit.CreateRoomRequest{
		Name:            req.Name,
		MaxParticipants: uint32(maxParticipants),
		EmptyTimeout:    uint32(emptyTimeout),
		Metadata:        metadata,
	})
	if err != nil {
		h.Metrics.RecordDownstreamError("create_room")
		if h.Logger != nil {
			h.Logger.Error("room creation failed", "request_id", requestIDFromContext(r.Context()), "room_name", req.Name, "error", err)
		}
		writeError(w, r, err)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("created room", "room_name", room.Name)
	}
	writeJSON(w, http.StatusOK, createRoomResponse{Room: room, Status: "created"})
}
