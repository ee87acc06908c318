package triage

import (
	"fmt"
	"strings"
)

type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

// ParseUrgency normalizes raw. An empty value is accepted and means unset.
func ParseUrgency(raw string) (Urgency, error) {
	u := Urgency(strings.ToLower(strings.TrimSpace(raw)))
	switch u {
	case "", UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyEmergency:
		return u, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidUrgency, raw)
	}
}

// SessionData is the caller context carried across handoffs. It is never
// reset by a transfer.
type SessionData struct {
	PatientName string  `json:"patient_name,omitempty"`
	Symptoms    string  `json:"symptoms_description,omitempty"`
	Urgency     Urgency `json:"urgency_level,omitempty"`
	Department  string  `json:"assigned_department,omitempty"`
}

func (d SessionData) HasPatient() bool {
	return strings.TrimSpace(d.PatientName) != ""
}
