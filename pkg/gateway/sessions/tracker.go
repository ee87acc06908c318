package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Handle is how the tracker reaches a live agent session. CallID and
// RoomName bind the session to a call so ending the call can close it.
type Handle struct {
	CallID     string
	RoomName   string
	Cancel     func()
	Warn       func(code, message string) error
	ActiveRole func() string
}

// Summary describes one connected agent session.
type Summary struct {
	SessionID  string    `json:"session_id"`
	CallID     string    `json:"call_id,omitempty"`
	RoomName   string    `json:"room_name,omitempty"`
	ActiveRole string    `json:"active_role,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

type Tracker struct {
	now      func() time.Time
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle    Handle
	startedAt time.Time
	once      sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		now:      time.Now,
		sessions: make(map[string]*trackedSession),
	}
}

func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	now := time.Now
	if t.now != nil {
		now = t.now
	}
	entry := &trackedSession{handle: h, startedAt: now()}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// List returns the connected sessions ordered by start time.
func (t *Tracker) List() []Summary {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Summary, 0, len(t.sessions))
	roles := make([]func() string, 0, len(t.sessions))
	for id, entry := range t.sessions {
		out = append(out, Summary{
			SessionID: id,
			CallID:    entry.handle.CallID,
			RoomName:  entry.handle.RoomName,
			StartedAt: entry.startedAt,
		})
		roles = append(roles, entry.handle.ActiveRole)
	}
	t.mu.Unlock()

	// ActiveRole takes the session's own lock; call it outside ours.
	for i, role := range roles {
		if role != nil {
			out[i].ActiveRole = role()
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	return t.cancelWhere(func(Handle) bool { return true })
}

// CancelCall closes every session bound to callID.
func (t *Tracker) CancelCall(callID string) (canceled int) {
	if callID == "" {
		return 0
	}
	return t.cancelWhere(func(h Handle) bool { return h.CallID == callID })
}

func (t *Tracker) cancelWhere(match func(Handle) bool) (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil || !match(entry.handle) {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
