package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is the process state shared by readiness and the agent session
// endpoint. Once draining, /readyz fails and new agent sessions are refused.
// A nil *Lifecycle is never draining.
type Lifecycle struct {
	draining atomic.Bool
	since    atomic.Int64 // unix nanoseconds, 0 when not draining
}

// Drain marks the process draining as of now. It reports whether this call
// started the drain.
func (l *Lifecycle) Drain(now time.Time) bool {
	if l == nil {
		return false
	}
	if !l.draining.CompareAndSwap(false, true) {
		return false
	}
	l.since.Store(now.UnixNano())
	return true
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if draining {
		l.Drain(time.Now())
		return
	}
	l.draining.Store(false)
	l.since.Store(0)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince returns when draining started.
func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if !l.IsDraining() {
		return time.Time{}, false
	}
	ns := l.since.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns).UTC(), true
}
