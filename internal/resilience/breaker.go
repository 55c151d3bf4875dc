package resilience

import (
	"sort"
	"sync"
	"time"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// BreakerConfig configures every breaker in a Breakers registry.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before one trial is allowed.
	Cooldown time.Duration
	// OnStateChange runs synchronously after the breaker lock is released.
	OnStateChange func(provider string, from, to State)
	Now           func() time.Time
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Snapshot is the externally visible state of one breaker.
type Snapshot struct {
	Provider        string    `json:"provider"`
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// Breaker is the per-provider state machine. All reads and writes of its
// fields happen under mu, so a transition is decided and applied in one step.
type Breaker struct {
	provider string
	cfg      BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	changedAt time.Time
	lastUsed  time.Time
	// trial is set while the single half-open trial call is in flight.
	trial bool
}

func newBreaker(provider string, cfg BreakerConfig) *Breaker {
	now := cfg.Now()
	return &Breaker{provider: provider, cfg: cfg, state: Closed, changedAt: now, lastUsed: now}
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed moves to half-open and admits exactly one caller; everyone
// else gets ErrCircuitOpen until that trial is recorded.
func (b *Breaker) Allow() error {
	var from State
	b.mu.Lock()
	now := b.cfg.Now()
	b.lastUsed = now
	switch b.state {
	case Closed:
		b.mu.Unlock()
		return nil
	case Open:
		if now.Sub(b.changedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		from = b.transition(HalfOpen, now)
		b.trial = true
		b.mu.Unlock()
		b.notify(from, HalfOpen)
		return nil
	default: // half-open
		if b.trial {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.trial = true
		b.mu.Unlock()
		return nil
	}
}

// Record feeds the result of an allowed call back into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	now := b.cfg.Now()
	b.lastUsed = now
	var from, to State
	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			to = Open
			from = b.transition(Open, now)
		}
	case HalfOpen:
		b.trial = false
		if success {
			to = Closed
			from = b.transition(Closed, now)
		} else {
			to = Open
			from = b.transition(Open, now)
			b.failures = 1
		}
	case Open:
		// A call admitted before the breaker opened finished late.
		if !success {
			b.failures++
		}
	}
	b.mu.Unlock()
	if to != "" {
		b.notify(from, to)
	}
}

// Release hands back an allowed call that ended without a verdict, for
// example because its caller went away. A half-open trial slot is freed.
func (b *Breaker) Release() {
	b.mu.Lock()
	if b.state == HalfOpen {
		b.trial = false
	}
	b.lastUsed = b.cfg.Now()
	b.mu.Unlock()
}

// Reset force-closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	now := b.cfg.Now()
	from := b.transition(Closed, now)
	b.trial = false
	b.mu.Unlock()
	if from != Closed {
		b.notify(from, Closed)
	}
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{Provider: b.provider, State: b.state, Failures: b.failures, LastStateChange: b.changedAt}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with mu held. It returns the previous state.
func (b *Breaker) transition(to State, now time.Time) State {
	from := b.state
	b.state = to
	b.failures = 0
	b.changedAt = now
	return from
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.provider, from, to)
	}
}

func (b *Breaker) idleSince(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Closed && b.failures == 0 && b.lastUsed.Before(cutoff)
}

// Breakers holds one breaker per provider id, created on first use.
type Breakers struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg.normalized(), breakers: map[string]*Breaker{}}
}

func (r *Breakers) Get(provider string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b = newBreaker(provider, r.cfg)
	r.breakers[provider] = b
	return b
}

// Reset closes the named breaker. Unknown providers have nothing to reset.
func (r *Breakers) Reset(provider string) {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

func (r *Breakers) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// States lists every known breaker ordered by provider id.
func (r *Breakers) States() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Evict drops closed, failure-free breakers untouched for longer than idle
// and returns how many were removed. Open or half-open breakers are kept so
// quarantine is never lifted by housekeeping.
func (r *Breakers) Evict(idle time.Duration) int {
	cutoff := r.cfg.Now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, b := range r.breakers {
		if b.idleSince(cutoff) {
			delete(r.breakers, id)
			n++
		}
	}
	return n
}
