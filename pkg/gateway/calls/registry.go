package calls

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
)

var (
	ErrNotFound    = errors.New("call not found")
	ErrIDExhausted = errors.New("could not allocate a unique call id")
)

const maxIDAttempts = 4

type CreateParams struct {
	AgentType   string
	PatientName string
	Metadata    map[string]any
}

type RegistryOption func(*Registry)

func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithIDSource(newID func() (uuid.UUID, error)) RegistryOption {
	return func(r *Registry) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// Registry is the in-memory store of calls and the agent counters. One
// mutex covers records, the room index and the counters so every mutation
// is atomic with respect to the others.
type Registry struct {
	now   func() time.Time
	newID func() (uuid.UUID, error)

	mu      sync.Mutex
	records map[string]*CallRecord
	byRoom  map[string]string
	metrics AgentMetrics
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		now:     time.Now,
		newID:   uuid.NewRandom,
		records: make(map[string]*CallRecord),
		byRoom:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new call in status initializing. Room names are
// unique across the registry.
func (r *Registry) Create(p CreateParams) (CallRecord, error) {
	agentType := strings.TrimSpace(p.AgentType)
	if agentType == "" {
		agentType = DefaultAgentType
	}
	custom := p.Metadata
	if custom == nil {
		custom = map[string]any{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := r.newID()
		if err != nil {
			return CallRecord{}, fmt.Errorf("generate call id: %w", err)
		}
		callID := id.String()
		short := callID[:8]
		roomName := agentType + "-" + short
		if _, taken := r.records[callID]; taken {
			continue
		}
		if _, taken := r.byRoom[roomName]; taken {
			continue
		}

		patient := strings.TrimSpace(p.PatientName)
		if patient == "" {
			patient = "Patient-" + short
		}
		rec := &CallRecord{
			CallID:      callID,
			RoomName:    roomName,
			PatientName: patient,
			AgentType:   agentType,
			Status:      StatusInitializing,
			Metadata: CallMetadata{
				AgentType:      agentType,
				PatientName:    patient,
				CustomMetadata: custom,
				SessionConfig:  DefaultSessionConfig(),
			},
			CreatedAt:    r.now(),
			Participants: []Participant{},
		}
		r.records[callID] = rec
		r.byRoom[roomName] = callID
		r.metrics.TotalCalls++
		r.metrics.ActiveSessions++
		return snapshot(rec)
	}
	return CallRecord{}, ErrIDExhausted
}

// MarkFailed records that the call could not be set up.
func (r *Registry) MarkFailed(callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[callID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status == StatusFailed || rec.Status == StatusEnded {
		return nil
	}
	rec.Status = StatusFailed
	r.metrics.FailedSessions++
	r.decrementActiveLocked()
	return nil
}

func (r *Registry) Get(callID string) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[callID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return snapshot(rec)
}

// GetByRoom returns the call that owns roomName.
func (r *Registry) GetByRoom(roomName string) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byRoomLocked(roomName)
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return snapshot(rec)
}

// End marks the call ended. Ending an ended call changes nothing.
func (r *Registry) End(callID string) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[callID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	r.endLocked(rec)
	return snapshot(rec)
}

// List partitions every record into ended and not-ended (which includes
// failed), each ordered by creation time.
func (r *Registry) List() (active, ended []CallRecord, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	active = make([]CallRecord, 0, len(r.records))
	ended = make([]CallRecord, 0)
	for _, rec := range r.records {
		snap, err := snapshot(rec)
		if err != nil {
			return nil, nil, err
		}
		if rec.Status == StatusEnded {
			ended = append(ended, snap)
			continue
		}
		active = append(active, snap)
	}
	sortByCreation(active)
	sortByCreation(ended)
	return active, ended, nil
}

func (r *Registry) Metrics() AgentMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

func (r *Registry) Counts() CallCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := CallCounts{Total: len(r.records)}
	for _, rec := range r.records {
		switch rec.Status {
		case StatusEnded:
			c.Ended++
		case StatusFailed:
			c.Failed++
		default:
			c.Active++
		}
	}
	return c
}

// MarkRoomStarted moves the call owning roomName from initializing to
// active. Ended and failed calls keep their status. ok is false when no call
// owns the room.
func (r *Registry) MarkRoomStarted(roomName string) (callID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byRoomLocked(roomName)
	if !ok {
		return "", false
	}
	if rec.Status == StatusInitializing {
		rec.Status = StatusActive
	}
	return rec.CallID, true
}

func (r *Registry) AddParticipant(roomName, identity string) (callID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byRoomLocked(roomName)
	if !ok {
		return "", false
	}
	rec.Participants = append(rec.Participants, Participant{Identity: identity, JoinedAt: r.now()})
	return rec.CallID, true
}

func (r *Registry) MarkRoomFinished(roomName string) (callID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byRoomLocked(roomName)
	if !ok {
		return "", false
	}
	r.endLocked(rec)
	return rec.CallID, true
}

func (r *Registry) byRoomLocked(roomName string) (*CallRecord, bool) {
	id, ok := r.byRoom[roomName]
	if !ok {
		return nil, false
	}
	rec, ok := r.records[id]
	return rec, ok
}

func (r *Registry) endLocked(rec *CallRecord) {
	if rec.Status == StatusEnded {
		return
	}
	wasLive := rec.Status == StatusInitializing || rec.Status == StatusActive
	rec.Status = StatusEnded
	endedAt := r.now()
	rec.EndedAt = &endedAt
	if wasLive {
		r.decrementActiveLocked()
	}
}

func (r *Registry) decrementActiveLocked() {
	if r.metrics.ActiveSessions > 0 {
		r.metrics.ActiveSessions--
	}
}

// snapshotOption deep-copies records. time.Time has no exported fields, so
// timestamps are carried over by converters instead of field by field.
var snapshotOption = copier.Option{
	DeepCopy: true,
	Converters: []copier.TypeConverter{
		{
			SrcType: time.Time{},
			DstType: time.Time{},
			Fn:      func(src any) (any, error) { return src, nil },
		},
		{
			SrcType: (*time.Time)(nil),
			DstType: (*time.Time)(nil),
			Fn: func(src any) (any, error) {
				t, _ := src.(*time.Time)
				if t == nil {
					return (*time.Time)(nil), nil
				}
				c := *t
				return &c, nil
			},
		},
	},
}

func snapshot(rec *CallRecord) (CallRecord, error) {
	var out CallRecord
	if err := copier.CopyWithOption(&out, rec, snapshotOption); err != nil {
		return CallRecord{}, fmt.Errorf("copy call %s: %w", rec.CallID, err)
	}
	if out.Participants == nil {
		out.Participants = []Participant{}
	}
	return out, nil
}

func sortByCreation(recs []CallRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CallID < recs[j].CallID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
