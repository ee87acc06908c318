package calls

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-triage/pkg/gateway/livekit"
)

var tracer = otel.Tracer("github.com/vango-go/vai-triage/pkg/gateway/calls")

// Outcomes reported for every event the processor sees.
const (
	OutcomeApplied   = "applied"
	OutcomeUnmatched = "unmatched"
	OutcomeIgnored   = "ignored"
	OutcomeDropped   = "dropped"
	OutcomeFailed    = "failed"
)

type EventObserver func(event livekit.EventType, outcome string)

type ProcessorConfig struct {
	QueueSize int
	Logger    *slog.Logger
	Observer  EventObserver

	// OnRoomFinished runs after a room_finished event ends a call.
	OnRoomFinished func(callID, roomName string)
}

// Processor applies verified lifecycle events to the registry on a
// background worker. Enqueue never blocks and processing errors never reach
// the sender.
type Processor struct {
	registry       *Registry
	logger         *slog.Logger
	observer       EventObserver
	onRoomFinished func(callID, roomName string)

	mu     sync.RWMutex
	closed bool
	queue  chan livekit.Event
	done   chan struct{}
	start  sync.Once
}

func NewProcessor(registry *Registry, cfg ProcessorConfig) *Processor {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		registry:       registry,
		logger:         logger,
		observer:       cfg.Observer,
		onRoomFinished: cfg.OnRoomFinished,
		queue:          make(chan livekit.Event, size),
		done:           make(chan struct{}),
	}
}

// Start launches the worker. It stops once Close has been called and the
// queue is drained, or when ctx is done.
func (p *Processor) Start(ctx context.Context) {
	p.start.Do(func() {
		go p.run(ctx)
	})
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case ev, ok := <-p.queue:
			if !ok {
				return
			}
			p.Handle(context.WithoutCancel(ctx), ev)
		case <-ctx.Done():
			return
		}
	}
}

// Enqueue hands ev to the worker. It reports false when the event was
// dropped because the queue is full or the processor is closed.
func (p *Processor) Enqueue(ev livekit.Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.observe(ev.Event, OutcomeDropped)
		return false
	}
	select {
	case p.queue <- ev:
		return true
	default:
		p.logger.Warn("lifecycle event dropped: queue full", "event", ev.Event, "room", ev.RoomName())
		p.observe(ev.Event, OutcomeDropped)
		return false
	}
}

// Close stops intake and waits for queued events to be applied.
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	p.start.Do(func() { close(p.done) })

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lifecycle processor drain: %w", ctx.Err())
	}
}

// Handle applies one event synchronously. Failures are logged and
// swallowed.
func (p *Processor) Handle(ctx context.Context, ev livekit.Event) {
	roomName := ev.RoomName()
	ctx, span := tracer.Start(ctx, "calls.lifecycle_event", trace.WithAttributes(
		attribute.String("livekit.event", string(ev.Event)),
		attribute.String("livekit.room", roomName),
	))
	defer span.End()

	outcome := OutcomeFailed
	defer func() {
		if v := recover(); v != nil {
			span.SetStatus(codes.Error, "panic")
			p.logger.ErrorContext(ctx, "lifecycle event processing failed", "event", ev.Event, "room", roomName, "panic", v)
			outcome = OutcomeFailed
		}
		span.SetAttributes(attribute.String("calls.outcome", outcome))
		p.observe(ev.Event, outcome)
	}()

	p.logger.InfoContext(ctx, "processing lifecycle event", "event", ev.Event, "room", roomName)

	var (
		callID string
		ok     bool
	)
	switch ev.Event {
	case livekit.EventRoomStarted:
		callID, ok = p.registry.MarkRoomStarted(roomName)
	case livekit.EventParticipantJoined:
		if ev.Participant == nil {
			p.logger.WarnContext(ctx, "participant_joined without participant", "room", roomName)
			outcome = OutcomeIgnored
			return
		}
		callID, ok = p.registry.AddParticipant(roomName, ev.Participant.Identity)
	case livekit.EventRoomFinished:
		callID, ok = p.registry.MarkRoomFinished(roomName)
	default:
		p.logger.DebugContext(ctx, "lifecycle event ignored", "event", ev.Event)
		outcome = OutcomeIgnored
		return
	}

	if !ok {
		outcome = OutcomeUnmatched
		return
	}
	outcome = OutcomeApplied
	span.SetAttributes(attribute.String("calls.call_id", callID))
	if ev.Event == livekit.EventRoomFinished && p.onRoomFinished != nil {
		p.onRoomFinished(callID, roomName)
	}
}

func (p *Processor) observe(ev livekit.EventType, outcome string) {
	if p.observer != nil {
		p.observer(ev, outcome)
	}
}
