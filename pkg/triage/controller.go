package triage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handoff records one completed transfer.
type Handoff struct {
	From Role      `json:"from"`
	To   Role      `json:"to"`
	At   time.Time `json:"at"`
}

type Snapshot struct {
	ActiveRole Role        `json:"active_role"`
	Data       SessionData `json:"data"`
	Handoffs   []Handoff   `json:"handoffs"`
}

type TransferObserver func(from, to Role)

type Option func(*Controller)

func WithTransferObserver(fn TransferObserver) Option {
	return func(c *Controller) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller owns the conversation state of one call: which role is active
// and what has been learned about the caller. Operations are serialized, so
// exactly one role is active at any instant.
type Controller struct {
	scripts   *Scripts
	speaker   Speaker
	now       func() time.Time
	observers []TransferObserver

	mu       sync.Mutex
	started  bool
	active   Role
	data     SessionData
	handoffs []Handoff
}

func NewController(scripts *Scripts, speaker Speaker, opts ...Option) *Controller {
	if scripts == nil {
		scripts = DefaultScripts()
	}
	c := &Controller{
		scripts: scripts,
		speaker: speaker,
		now:     time.Now,
		active:  RoleTriage,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start activates Triage with empty session data and runs its entry
// behavior.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.active = RoleTriage
	c.data = SessionData{}
	return c.enter(ctx, RoleTriage)
}

// RecordPatientInfo stores what triage learned about the caller. It is only
// available while Triage is active and never changes the active role.
func (c *Controller) RecordPatientInfo(ctx context.Context, name, symptoms, urgency string) error {
	ctx, span := tracer.Start(ctx, "triage.record_patient_info")
	defer span.End()

	level, err := ParseUrgency(urgency)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid urgency")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	if c.active != RoleTriage {
		span.SetStatus(codes.Error, "not permitted")
		return fmt.Errorf("%w: %s cannot record patient info", ErrActionNotPermitted, c.active)
	}

	c.data.PatientName = name
	c.data.Symptoms = symptoms
	c.data.Urgency = level
	span.SetAttributes(attribute.String("triage.urgency", string(level)))
	logger.InfoContext(ctx, "collected patient info", "urgency", string(level), "has_symptoms", symptoms != "")

	return c.speak(ctx, c.scripts.followUp(c.data))
}

// RequestTransfer hands the caller from the active role to target. A
// rejected transfer leaves every piece of state untouched.
func (c *Controller) RequestTransfer(ctx context.Context, target Role) error {
	ctx, span := tracer.Start(ctx, "triage.transfer", trace.WithAttributes(
		attribute.String("triage.to", string(target)),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}

	from := c.active
	span.SetAttributes(attribute.String("triage.from", string(from)))
	if !from.CanTransferTo(target) {
		err := &TransitionError{From: from, To: target}
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid transition")
		return err
	}

	if err := c.speak(ctx, c.scripts.HoldNotice(from, target)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hold notice failed")
		return fmt.Errorf("hold notice: %w", err)
	}

	if dept := target.Department(); dept != "" {
		c.data.Department = dept
	}
	c.active = target
	c.handoffs = append(c.handoffs, Handoff{From: from, To: target, At: c.now()})
	logger.InfoContext(ctx, "transferred caller", "from", string(from), "to", string(target))

	for _, obs := range c.observers {
		obs(from, target)
	}

	if err := c.enter(ctx, target); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enter failed")
		return err
	}
	return nil
}

func (c *Controller) ActiveRole() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	handoffs := make([]Handoff, len(c.handoffs))
	copy(handoffs, c.handoffs)
	return Snapshot{ActiveRole: c.active, Data: c.data, Handoffs: handoffs}
}

func (c *Controller) Scripts() *Scripts { return c.scripts }

// enter runs the entry behavior of role. Callers hold c.mu.
func (c *Controller) enter(ctx context.Context, role Role) error {
	ctx, span := tracer.Start(ctx, "triage.enter", trace.WithAttributes(
		attribute.String("triage.role", string(role)),
	))
	defer span.End()

	if err := c.speak(ctx, c.scripts.Greeting(role, c.data)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "greeting failed")
		return fmt.Errorf("enter %s: %w", role, err)
	}
	return nil
}

func (c *Controller) speak(ctx context.Context, u Utterance) error {
	if c.speaker == nil {
		return nil
	}
	return c.speaker.Speak(ctx, u)
}
