package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"agentgate/internal/auth"
	"agentgate/internal/metrics"
)

// Session is one negotiated gateway connection. Its budget is guarded by
// its own lock so calls on different sessions never contend.
type Session struct {
	ID        string
	Principal auth.Principal
	CreatedAt time.Time

	mu        sync.Mutex
	remaining int
	lastSeen  time.Time
}

// Remaining returns the unspent cost units.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// reserve deducts cost when it fits the budget and reports what is left.
// The deduction stands whatever the call then does.
func (s *Session) reserve(cost int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cost > s.remaining {
		return s.remaining, false
	}
	s.remaining -= cost
	return s.remaining, true
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// SessionStore indexes live sessions by id. The index lock is held only for
// lookups and inserts.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
	metrics  *metrics.Metrics
}

func NewSessionStore(m *metrics.Metrics, now func() time.Time) *SessionStore {
	if now == nil {
		now = time.Now
	}
	return &SessionStore{sessions: map[string]*Session{}, now: now, metrics: m}
}

func (st *SessionStore) Create(p auth.Principal, budget int) *Session {
	now := st.now()
	s := &Session{
		ID:        uuid.NewString(),
		Principal: p,
		CreatedAt: now.UTC(),
		remaining: budget,
		lastSeen:  now,
	}
	st.mu.Lock()
	st.sessions[s.ID] = s
	n := len(st.sessions)
	st.mu.Unlock()
	st.gauge(n)
	return s
}

// Get returns the session and marks it as recently used.
func (st *SessionStore) Get(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		s.touch(st.now())
	}
	return s, ok
}

func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// EvictIdle drops sessions unused for longer than ttl.
func (st *SessionStore) EvictIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := st.now().Add(-ttl)
	st.mu.Lock()
	evicted := 0
	for id, s := range st.sessions {
		if s.idleSince().Before(cutoff) {
			delete(st.sessions, id)
			evicted++
		}
	}
	n := len(st.sessions)
	st.mu.Unlock()
	st.gauge(n)
	return evicted
}

// principals lists the identities that still hold a session.
func (st *SessionStore) principals() map[string]struct{} {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[string]struct{}, len(st.sessions))
	for _, s := range st.sessions {
		out[s.Principal.ID] = struct{}{}
	}
	return out
}

func (st *SessionStore) gauge(n int) {
	if st.metrics != nil {
		st.metrics.GatewaySessions.Set(float64(n))
	}
}

// limiters throttles the raw request rate per authenticated identity.
type limiters struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	byID  map[string]*rate.Limiter
}

func newLimiters(rps float64, burst int) *limiters {
	l := &limiters{rps: rate.Inf, burst: burst, byID: map[string]*rate.Limiter{}}
	if rps > 0 {
		l.rps = rate.Limit(rps)
	}
	if l.burst <= 0 {
		l.burst = 1
	}
	return l
}

func (l *limiters) allow(id string) bool {
	l.mu.Lock()
	lim, ok := l.byID[id]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.byID[id] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// retain forgets limiters for identities not in keep.
func (l *limiters) retain(keep map[string]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.byID {
		if _, ok := keep[id]; !ok {
			delete(l.byID, id)
		}
	}
}
