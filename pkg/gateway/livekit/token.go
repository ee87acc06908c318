package livekit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrCredentialsMissing   = errors.New("livekit credentials not configured")
	ErrMissingAuthorization = errors.New("authorization header required")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrDownstream           = errors.New("livekit request failed")
)

const (
	DefaultTokenTTL   = 6 * time.Hour
	DefaultWebhookTTL = 5 * time.Minute
)

type Credentials struct {
	APIKey    string
	APISecret string
}

func (c Credentials) Configured() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != ""
}

// VideoGrant mirrors the media server's "video" claim. Nil publish and
// subscribe flags mean the server default.
type VideoGrant struct {
	RoomCreate     bool   `json:"roomCreate,omitempty"`
	RoomList       bool   `json:"roomList,omitempty"`
	RoomAdmin      bool   `json:"roomAdmin,omitempty"`
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	Room           string `json:"room,omitempty"`
	CanPublish     *bool  `json:"canPublish,omitempty"`
	CanSubscribe   *bool  `json:"canSubscribe,omitempty"`
	CanPublishData *bool  `json:"canPublishData,omitempty"`
}

// ParticipantGrant is what a caller joining a call room receives.
func ParticipantGrant(room string) VideoGrant {
	yes := true
	return VideoGrant{
		RoomJoin:       true,
		Room:           room,
		CanPublish:     &yes,
		CanSubscribe:   &yes,
		CanPublishData: &yes,
	}
}

type Claims struct {
	jwt.RegisteredClaims
	Name     string      `json:"name,omitempty"`
	Metadata string      `json:"metadata,omitempty"`
	Video    *VideoGrant `json:"video,omitempty"`
	SHA256   string      `json:"sha256,omitempty"`
}

type AccessTokenParams struct {
	Identity string
	Name     string
	Metadata string
	Grant    VideoGrant
	TTL      time.Duration
}

type TokenSigner struct {
	Credentials Credentials
	TTL         time.Duration
	Now         func() time.Time
}

func (s TokenSigner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Sign mints an HS256 access token for params.
func (s TokenSigner) Sign(params AccessTokenParams) (string, error) {
	if !s.Credentials.Configured() {
		return "", ErrCredentialsMissing
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = s.TTL
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	grant := params.Grant
	registered := jwtRegistered(s.Credentials.APIKey, s.now(), ttl)
	registered.Subject = params.Identity
	registered.ID = params.Identity
	return signClaims(Claims{
		RegisteredClaims: registered,
		Name:             params.Name,
		Metadata:         params.Metadata,
		Video:            &grant,
	}, s.Credentials.APISecret)
}

func jwtRegistered(issuer string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func signClaims(claims Claims, secret string) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParticipantToken is the join token handed to a caller.
func (s TokenSigner) ParticipantToken(room, identity, metadata string) (string, error) {
	if strings.TrimSpace(identity) == "" {
		return "", fmt.Errorf("participant identity is required")
	}
	return s.Sign(AccessTokenParams{
		Identity: identity,
		Name:     identity,
		Metadata: metadata,
		Grant:    ParticipantGrant(room),
	})
}

// Verify parses a token issued with these credentials.
func (s TokenSigner) Verify(token string) (*Claims, error) {
	if !s.Credentials.Configured() {
		return nil, ErrCredentialsMissing
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.Credentials.APIKey),
		jwt.WithLeeway(time.Minute),
		jwt.WithTimeFunc(s.now),
	)
	var claims Claims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(s.Credentials.APISecret), nil
	})
	if err != nil {
		return nil, err
	}
	return &claims, nil
}
