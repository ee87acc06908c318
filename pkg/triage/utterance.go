package triage

import "context"

type UtteranceKind string

const (
	// UtteranceSay is spoken verbatim.
	UtteranceSay UtteranceKind = "say"
	// UtteranceGenerate carries instructions; the language model produces
	// the words.
	UtteranceGenerate UtteranceKind = "generate"
)

type Utterance struct {
	Kind UtteranceKind `json:"kind"`
	Role Role          `json:"role"`
	Text string        `json:"text"`
}

// Speaker is the dialogue engine side of a session. Implementations must
// not call back into the Controller from Speak.
type Speaker interface {
	Speak(ctx context.Context, u Utterance) error
}

type SpeakerFunc func(ctx context.Context, u Utterance) error

func (f SpeakerFunc) Speak(ctx context.Context, u Utterance) error { return f(ctx, u) }
