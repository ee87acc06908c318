// Package ratelimit bounds how hard a single API key can drive the gateway:
// a token bucket for request rate and semaphores for concurrent requests and
// concurrent agent sessions. State is in-memory and per process.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Anonymous is the principal for callers without an API key.
const Anonymous = "anonymous"

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int
	MaxAgentSessions      int

	// Bounds for the principal map.
	MaxEntries int
	EntryTTL   time.Duration
}

// Enabled reports whether any limit is configured.
func (c Config) Enabled() bool {
	return (c.RPS > 0 && c.Burst > 0) || c.MaxConcurrentRequests > 0 || c.MaxAgentSessions > 0
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*principalLimiter
}

type principalLimiter struct {
	mu sync.Mutex
	tb tokenBucket

	reqSem     chan struct{}
	sessionSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	capacity float64
	tokens   float64
	last     time.Time
}

// New returns nil when cfg configures no limit; a nil *Limiter allows
// everything.
func New(cfg Config) *Limiter {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*principalLimiter),
	}
}

type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

func allowed(release func()) Decision {
	if release == nil {
		release = func() {}
	}
	return Decision{Allowed: true, Permit: &Permit{release: release}}
}

// AcquireRequest admits one API request for principal. The caller releases
// the permit when the request completes.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	if l == nil {
		return allowed(nil)
	}
	pl := l.getOrCreate(principal, now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		if ok, retryAfter := pl.allowToken(now, l.cfg.RPS, l.cfg.Burst); !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}
	if l.cfg.MaxConcurrentRequests > 0 {
		select {
		case pl.reqSem <- struct{}{}:
			return allowed(func() { <-pl.reqSem })
		default:
			return Decision{Allowed: false, RetryAfter: 1}
		}
	}
	return allowed(nil)
}

// AcquireAgentSession admits one dialogue engine websocket for principal.
// The permit is held for the life of the session.
func (l *Limiter) AcquireAgentSession(principal string, now time.Time) Decision {
	if l == nil || l.cfg.MaxAgentSessions <= 0 {
		return allowed(nil)
	}
	pl := l.getOrCreate(principal, now)
	select {
	case pl.sessionSem <- struct{}{}:
		return allowed(func() { <-pl.sessionSem })
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func (l *Limiter) getOrCreate(principal string, now time.Time) *principalLimiter {
	if principal == "" {
		principal = Anonymous
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if pl, ok := l.m[principal]; ok {
		pl.lastSeen = now
		return pl
	}
	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// Still full: evict an arbitrary entry.
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}
	pl := &principalLimiter{
		reqSem:     make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
		sessionSem: make(chan struct{}, max(1, l.cfg.MaxAgentSessions)),
		lastSeen:   now,
	}
	l.m[principal] = pl
	return pl
}

// gcLocked drops principals idle for longer than EntryTTL. Principals still
// holding permits are kept.
func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL && len(v.reqSem) == 0 && len(v.sessionSem) == 0 {
			delete(l.m, k)
		}
	}
}

func (pl *principalLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	capacity := float64(burst)
	if pl.tb.capacity == 0 {
		pl.tb = tokenBucket{capacity: capacity, tokens: capacity, last: now}
	}
	pl.tb.capacity = capacity

	if elapsed := now.Sub(pl.tb.last).Seconds(); elapsed > 0 {
		pl.tb.tokens = math.Min(pl.tb.capacity, pl.tb.tokens+elapsed*rps)
		pl.tb.last = now
	}
	if pl.tb.tokens >= 1.0 {
		pl.tb.tokens -= 1.0
		return true, 0
	}

	retryAfter := int(math.Ceil((1.0 - pl.tb.tokens) / rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
