package calls

import "time"

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusEnded        Status = "ended"
	StatusFailed       Status = "failed"
)

const DefaultAgentType = "medical_triage"

type Participant struct {
	Identity string    `json:"identity"`
	JoinedAt time.Time `json:"joined_at"`
}

// SessionConfig is forwarded to the voice agent inside the join token.
type SessionConfig struct {
	EnableInterruptions bool `json:"enable_interruptions"`
	ResponseTimeout     int  `json:"response_timeout"`
	MaxDuration         int  `json:"max_duration"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{EnableInterruptions: true, ResponseTimeout: 30, MaxDuration: 1800}
}

type CallMetadata struct {
	AgentType      string         `json:"agent_type"`
	PatientName    string         `json:"patient_name"`
	CustomMetadata map[string]any `json:"custom_metadata"`
	SessionConfig  SessionConfig  `json:"session_config"`
}

type CallRecord struct {
	CallID       string        `json:"call_id"`
	RoomName     string        `json:"room_name"`
	PatientName  string        `json:"patient_name"`
	AgentType    string        `json:"agent_type"`
	Status       Status        `json:"status"`
	Metadata     CallMetadata  `json:"metadata"`
	CreatedAt    time.Time     `json:"created_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	Participants []Participant `json:"participants"`
}

// AgentMetrics are process-wide counters kept alongside call records.
type AgentMetrics struct {
	TotalCalls     int `json:"total_calls"`
	ActiveSessions int `json:"active_sessions"`
	FailedSessions int `json:"failed_sessions"`
}

// CallCounts summarizes records by status.
type CallCounts struct {
	Total  int `json:"total_calls"`
	Active int `json:"active_calls"`
	Ended  int `json:"ended_calls"`
	Failed int `json:"failed_calls"`
}
