package livekit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const roomServicePath = "/twirp/livekit.RoomService/"

type CreateRoomRequest struct {
	Name            string `json:"name"`
	EmptyTimeout    uint32 `json:"emptyTimeout,omitempty"`
	MaxParticipants uint32 `json:"maxParticipants,omitempty"`
	Metadata        string `json:"metadata,omitempty"`
}

// RoomClient calls the media server's room service over its Twirp JSON
// binding.
type RoomClient struct {
	BaseURL     string
	Signer      TokenSigner
	HTTPClient  *http.Client
	AdminTTL    time.Duration
	MaxBodySize int64
}

func (c *RoomClient) CreateRoom(ctx context.Context, req CreateRoomRequest) (Room, error) {
	if strings.TrimSpace(req.Name) == "" {
		return Room{}, fmt.Errorf("room name is required")
	}
	var room Room
	err := c.call(ctx, "CreateRoom", VideoGrant{RoomCreate: true}, req, &room)
	return room, err
}

func (c *RoomClient) call(ctx context.Context, method string, grant VideoGrant, in, out any) error {
	if c == nil || !c.Signer.Credentials.Configured() {
		return ErrCredentialsMissing
	}
	ttl := c.AdminTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	token, err := c.Signer.Sign(AccessTokenParams{Grant: grant, TTL: ttl})
	if err != nil {
		return err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+roomServicePath+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build %s request: %v", ErrDownstream, method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDownstream, method, err)
	}
	defer resp.Body.Close()

	limit := c.MaxBodySize
	if limit <= 0 {
		limit = 1 << 20
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrDownstream, method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var te twirpError
		_ = json.Unmarshal(respBody, &te)
		return &DownstreamError{Method: method, StatusCode: resp.StatusCode, Code: te.Code, Message: te.Msg}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrDownstream, method, err)
	}
	return nil
}

// DownstreamError is a non-2xx answer from the room service. It matches
// ErrDownstream under errors.Is.
type DownstreamError struct {
	Method     string
	StatusCode int
	Code       string
	Message    string
}

func (e *DownstreamError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s: %s failed with status %d (%s): %s", ErrDownstream, e.Method, e.StatusCode, e.Code, msg)
}

func (e *DownstreamError) Unwrap() error { return ErrDownstream }

type twirpError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// HTTPURL converts a ws(s) server URL into the http(s) base of its API.
func HTTPURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", serverURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}
