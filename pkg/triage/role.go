package triage

import (
	"fmt"
	"strings"
)

// Role identifies which specialist persona is currently speaking to the
// caller. The set is closed.
type Role string

const (
	RoleTriage  Role = "triage"
	RoleSupport Role = "support"
	RoleBilling Role = "billing"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleTriage, RoleSupport, RoleBilling}

var transitions = map[Role][]Role{
	RoleTriage:  {RoleSupport, RoleBilling},
	RoleSupport: {RoleTriage, RoleBilling},
	RoleBilling: {RoleTriage, RoleSupport},
}

func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
	return r, nil
}

func (r Role) Valid() bool {
	_, ok := transitions[r]
	return ok
}

// Targets returns the roles r may hand the caller to.
func (r Role) Targets() []Role {
	out := make([]Role, len(transitions[r]))
	copy(out, transitions[r])
	return out
}

func (r Role) CanTransferTo(target Role) bool {
	for _, t := range transitions[r] {
		if t == target {
			return true
		}
	}
	return false
}

// Department is the value recorded in SessionData when the caller is
// routed to r. Triage does not own a department.
func (r Role) Department() string {
	switch r {
	case RoleSupport:
		return "support"
	case RoleBilling:
		return "billing"
	default:
		return ""
	}
}

func (r Role) String() string { return string(r) }
