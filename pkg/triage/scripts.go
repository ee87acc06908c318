package triage

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v2"
)

//go:embed scripts.yaml
var defaultScriptsYAML []byte

// Scripts holds everything a role says or is told to say. The embedded
// defaults can be replaced by a YAML file with the same shape.
type Scripts struct {
	Pipeline Pipeline            `yaml:"pipeline" json:"pipeline"`
	FollowUp string              `yaml:"follow_up" json:"follow_up"`
	Roles    map[Role]RoleScript `yaml:"roles" json:"roles"`
}

// Pipeline names the speech and language providers the media engine is
// expected to run for these roles.
type Pipeline struct {
	STT string `yaml:"stt" json:"stt"`
	LLM string `yaml:"llm" json:"llm"`
	TTS string `yaml:"tts" json:"tts"`
	VAD string `yaml:"vad" json:"vad"`
}

type RoleScript struct {
	DisplayName  string          `yaml:"display_name" json:"display_name"`
	Instructions string          `yaml:"instructions" json:"instructions"`
	Greeting     GreetingScript  `yaml:"greeting" json:"greeting"`
	HoldNotices  map[Role]string `yaml:"hold_notices" json:"hold_notices"`
}

// GreetingScript is rendered on entry. Generic is required; Named and
// WithSymptoms are used when the caller's name (and symptoms) are known.
type GreetingScript struct {
	Kind         UtteranceKind `yaml:"kind" json:"kind"`
	WithSymptoms string        `yaml:"with_symptoms" json:"with_symptoms,omitempty"`
	Named        string        `yaml:"named" json:"named,omitempty"`
	Generic      string        `yaml:"generic" json:"generic"`
}

func DefaultScripts() *Scripts {
	s, err := ParseScripts(defaultScriptsYAML)
	if err != nil {
		panic(fmt.Sprintf("triage: embedded scripts are invalid: %v", err))
	}
	return s
}

// LoadScripts reads scripts from path. An empty path returns the defaults.
func LoadScripts(path string) (*Scripts, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultScripts(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role scripts: %w", err)
	}
	s, err := ParseScripts(data)
	if err != nil {
		return nil, fmt.Errorf("role scripts %q: %w", path, err)
	}
	return s, nil
}

func ParseScripts(data []byte) (*Scripts, error) {
	var s Scripts
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := s.normalizeRoles(); err != nil {
		return nil, err
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// normalizeRoles rewrites role keys into their canonical form so files may
// write "Billing" or " support ".
func (s *Scripts) normalizeRoles() error {
	roles := make(map[Role]RoleScript, len(s.Roles))
	for raw, rs := range s.Roles {
		role, err := ParseRole(string(raw))
		if err != nil {
			return fmt.Errorf("roles: %w", err)
		}
		if _, dup := roles[role]; dup {
			return fmt.Errorf("roles.%s is declared more than once", role)
		}
		notices := make(map[Role]string, len(rs.HoldNotices))
		for rawFrom, text := range rs.HoldNotices {
			from, err := ParseRole(string(rawFrom))
			if err != nil {
				return fmt.Errorf("roles.%s.hold_notices: %w", role, err)
			}
			if _, dup := notices[from]; dup {
				return fmt.Errorf("roles.%s.hold_notices.%s is declared more than once", role, from)
			}
			notices[from] = text
		}
		rs.HoldNotices = notices
		roles[role] = rs
	}
	s.Roles = roles
	return nil
}

func (s *Scripts) validate() error {
	if strings.TrimSpace(s.FollowUp) == "" {
		return fmt.Errorf("follow_up must not be empty")
	}
	for _, role := range Roles {
		rs, ok := s.Roles[role]
		if !ok {
			return fmt.Errorf("roles.%s is required", role)
		}
		if strings.TrimSpace(rs.Instructions) == "" {
			return fmt.Errorf("roles.%s.instructions must not be empty", role)
		}
		if strings.TrimSpace(rs.Greeting.Generic) == "" {
			return fmt.Errorf("roles.%s.greeting.generic must not be empty", role)
		}
		switch rs.Greeting.Kind {
		case UtteranceSay, UtteranceGenerate:
		default:
			return fmt.Errorf("roles.%s.greeting.kind must be one of say|generate", role)
		}
		for _, from := range Roles {
			if !from.CanTransferTo(role) {
				continue
			}
			if strings.TrimSpace(rs.HoldNotices[from]) == "" {
				return fmt.Errorf("roles.%s.hold_notices.%s must not be empty", role, from)
			}
		}
	}
	return nil
}

func (s *Scripts) Instructions(role Role) string {
	return s.Roles[role].Instructions
}

// Greeting renders the entry utterance for role from data. It is a pure
// function of its inputs.
func (s *Scripts) Greeting(role Role, data SessionData) Utterance {
	g := s.Roles[role].Greeting
	text := g.Generic
	switch {
	case data.HasPatient() && strings.TrimSpace(data.Symptoms) != "" && g.WithSymptoms != "":
		text = g.WithSymptoms
	case data.HasPatient() && g.Named != "":
		text = g.Named
	}
	return Utterance{Kind: g.Kind, Role: role, Text: render(text, data)}
}

// HoldNotice is spoken by from before the caller is handed to to.
func (s *Scripts) HoldNotice(from, to Role) Utterance {
	return Utterance{Kind: UtteranceSay, Role: from, Text: s.Roles[to].HoldNotices[from]}
}

func (s *Scripts) followUp(data SessionData) Utterance {
	return Utterance{Kind: UtteranceGenerate, Role: RoleTriage, Text: render(s.FollowUp, data)}
}

func render(text string, data SessionData) string {
	return strings.NewReplacer(
		"{name}", strings.TrimSpace(data.PatientName),
		"{symptoms}", strings.TrimSpace(data.Symptoms),
	).Replace(text)
}
