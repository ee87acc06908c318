package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
)

// Action names exposed to the dialogue engine as callable tools.
const (
	ActionCollectPatientInfo = "collect_patient_info"
	ActionTransferToSupport  = "transfer_to_support"
	ActionTransferToBilling  = "transfer_to_billing"
	ActionTransferToTriage   = "transfer_to_triage"
)

type PatientInfoArgs struct {
	PatientName  string `json:"patient_name" jsonschema_description:"The patient's name"`
	Symptoms     string `json:"symptoms" jsonschema_description:"Description of symptoms or reason for calling"`
	UrgencyLevel string `json:"urgency_level" jsonschema:"enum=low,enum=medium,enum=high,enum=emergency" jsonschema_description:"Assessment of urgency"`
}

type transferArgs struct{}

// Action describes one operation the active role offers.
type Action struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

type actionSpec struct {
	description string
	args        any
	target      Role
}

var actionSpecs = map[string]actionSpec{
	ActionCollectPatientInfo: {
		description: "Called when basic patient information has been collected.",
		args:        PatientInfoArgs{},
	},
	ActionTransferToSupport: {
		description: "Transfer the patient to Patient Support for medical questions and clinical assistance.",
		args:        transferArgs{},
		target:      RoleSupport,
	},
	ActionTransferToBilling: {
		description: "Transfer the patient to Medical Billing for insurance and payment questions.",
		args:        transferArgs{},
		target:      RoleBilling,
	},
	ActionTransferToTriage: {
		description: "Transfer the patient back to triage when they need different assistance.",
		args:        transferArgs{},
		target:      RoleTriage,
	},
}

func transferActionFor(target Role) string {
	return "transfer_to_" + string(target)
}

// ActionsFor lists the actions role may invoke, in a stable order.
func ActionsFor(role Role) []Action {
	names := make([]string, 0, 3)
	if role == RoleTriage {
		names = append(names, ActionCollectPatientInfo)
	}
	for _, t := range role.Targets() {
		names = append(names, transferActionFor(t))
	}
	out := make([]Action, 0, len(names))
	for _, name := range names {
		spec := actionSpecs[name]
		out = append(out, Action{
			Name:        name,
			Description: spec.description,
			Parameters:  schemaFor(spec.args),
		})
	}
	return out
}

func schemaFor(v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true, Anonymous: true}
	return reflector.ReflectFromType(reflect.TypeOf(v))
}

// Actions lists what the active role may invoke.
func (c *Controller) Actions() []Action {
	return ActionsFor(c.ActiveRole())
}

// Invoke dispatches a named action with JSON arguments.
func (c *Controller) Invoke(ctx context.Context, name string, rawArgs json.RawMessage) error {
	name = strings.TrimSpace(name)
	spec, ok := actionSpecs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}

	if name == ActionCollectPatientInfo {
		var args PatientInfoArgs
		if err := decodeArgs(rawArgs, &args); err != nil {
			return err
		}
		return c.RecordPatientInfo(ctx, args.PatientName, args.Symptoms, args.UrgencyLevel)
	}
	return c.RequestTransfer(ctx, spec.target)
}

func decodeArgs(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}
