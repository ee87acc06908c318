// Package agentproto defines the JSON frames exchanged with a dialogue
// engine over the /agents/session websocket.
package agentproto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-triage/pkg/triage"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type HelloClient struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// ClientHello opens a session. RoomName or CallID binds it to a registered
// call; both may be empty for a standalone session.
type ClientHello struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Client          HelloClient `json:"client,omitempty"`
	RoomName        string      `json:"room_name,omitempty"`
	CallID          string      `json:"call_id,omitempty"`
}

type ClientInvoke struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ClientState struct {
	Type string `json:"type"`
}

type ClientEnd struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		msg.RoomName = strings.TrimSpace(msg.RoomName)
		msg.CallID = strings.TrimSpace(msg.CallID)
		return msg, nil
	case "invoke":
		var msg ClientInvoke
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid invoke frame", "")
		}
		msg.ID = strings.TrimSpace(msg.ID)
		msg.Action = strings.TrimSpace(msg.Action)
		if msg.ID == "" {
			return nil, badRequest("invoke.id is required", "id")
		}
		if msg.Action == "" {
			return nil, badRequest("invoke.action is required", "action")
		}
		return msg, nil
	case "state":
		return ClientState{Type: typ}, nil
	case "end":
		var msg ClientEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateHello(msg ClientHello) error {
	version := strings.TrimSpace(msg.ProtocolVersion)
	if version == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if version != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	return nil
}

type SessionLimits struct {
	MaxJSONMessageBytes int64 `json:"max_json_message_bytes"`
}

type ServerSession struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	CallID          string          `json:"call_id,omitempty"`
	RoomName        string          `json:"room_name,omitempty"`
	ActiveRole      triage.Role     `json:"active_role"`
	Instructions    string          `json:"instructions"`
	Actions         []triage.Action `json:"actions"`
	Pipeline        triage.Pipeline `json:"pipeline"`
	Limits          SessionLimits   `json:"limits"`
}

// ServerUtterance asks the engine to speak. Kind "say" is verbatim text;
// "generate" is an instruction for the language model.
type ServerUtterance struct {
	Type string               `json:"type"`
	Kind triage.UtteranceKind `json:"kind"`
	Role triage.Role          `json:"role"`
	Text string               `json:"text"`
}

func UtteranceFrame(u triage.Utterance) ServerUtterance {
	return ServerUtterance{Type: "utterance", Kind: u.Kind, Role: u.Role, Text: u.Text}
}

type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerResult struct {
	Type       string             `json:"type"`
	ID         string             `json:"id"`
	OK         bool               `json:"ok"`
	Error      *ResultError       `json:"error,omitempty"`
	ActiveRole triage.Role        `json:"active_role"`
	Data       triage.SessionData `json:"data"`
}

type ServerRoleChanged struct {
	Type         string          `json:"type"`
	From         triage.Role     `json:"from"`
	To           triage.Role     `json:"to"`
	Instructions string          `json:"instructions"`
	Actions      []triage.Action `json:"actions"`
}

type ServerState struct {
	Type string `json:"type"`
	triage.Snapshot
}

type ServerError struct {
	Type      string         `json:"type"`
	Scope     string         `json:"scope,omitempty"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Close     bool           `json:"close,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
