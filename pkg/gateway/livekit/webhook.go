package livekit

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type EventType string

const (
	EventRoomStarted       EventType = "room_started"
	EventRoomFinished      EventType = "room_finished"
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventTrackPublished    EventType = "track_published"
	EventTrackUnpublished  EventType = "track_unpublished"
)

type Room struct {
	SID             string    `json:"sid,omitempty"`
	Name            string    `json:"name"`
	EmptyTimeout    uint32    `json:"emptyTimeout,omitempty"`
	MaxParticipants uint32    `json:"maxParticipants,omitempty"`
	CreationTime    Int64Text `json:"creationTime,omitempty"`
	Metadata        string    `json:"metadata,omitempty"`
	NumParticipants uint32    `json:"numParticipants,omitempty"`
}

type ParticipantInfo struct {
	SID      string `json:"sid,omitempty"`
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
	Metadata string `json:"metadata,omitempty"`
}

// Event is a verified webhook notification.
type Event struct {
	ID          string           `json:"id,omitempty"`
	Event       EventType        `json:"event"`
	CreatedAt   Int64Text        `json:"createdAt,omitempty"`
	Room        *Room            `json:"room,omitempty"`
	Participant *ParticipantInfo `json:"participant,omitempty"`
}

func (e Event) RoomName() string {
	if e.Room == nil {
		return ""
	}
	return e.Room.Name
}

// Int64Text accepts int64 values encoded either as JSON numbers or as
// strings, which is how protobuf JSON renders them.
type Int64Text int64

func (v *Int64Text) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid int64 %q: %w", s, err)
	}
	*v = Int64Text(n)
	return nil
}

// WebhookReceiver authenticates webhook deliveries. The Authorization header
// carries a token signed with the API secret whose sha256 claim is the
// base64 digest of the body.
type WebhookReceiver struct {
	Signer TokenSigner
}

func NewWebhookReceiver(creds Credentials) *WebhookReceiver {
	if !creds.Configured() {
		return nil
	}
	return &WebhookReceiver{Signer: TokenSigner{Credentials: creds}}
}

func (r *WebhookReceiver) Receive(body []byte, authHeader string) (Event, error) {
	if r == nil {
		return Event{}, ErrCredentialsMissing
	}
	token := strings.TrimSpace(authHeader)
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Event{}, ErrMissingAuthorization
	}

	claims, err := r.Signer.Verify(token)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(claims.SHA256), []byte(want)) != 1 {
		return Event{}, fmt.Errorf("%w: body digest mismatch", ErrInvalidSignature)
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: decode event: %v", ErrInvalidSignature, err)
	}
	if strings.TrimSpace(string(ev.Event)) == "" {
		return Event{}, fmt.Errorf("%w: missing event type", ErrInvalidSignature)
	}
	return ev, nil
}

// SignWebhook produces the Authorization value for body. The media server
// does this on delivery; it is exported for local tooling and tests.
func (s TokenSigner) SignWebhook(body []byte) (string, error) {
	if !s.Credentials.Configured() {
		return "", ErrCredentialsMissing
	}
	sum := sha256.Sum256(body)
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwtRegistered(s.Credentials.APIKey, now, DefaultWebhookTTL),
		SHA256:           base64.StdEncoding.EncodeToString(sum[:]),
	}
	return signClaims(claims, s.Credentials.APISecret)
}
