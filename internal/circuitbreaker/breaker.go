// Package circuitbreaker guards calls to external collaborators (the
// payment gateway) with a per-key closed → open → half-open breaker.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: calls flow through
	StateOpen                  // Tripped: calls are rejected
	StateHalfOpen              // Probing: one call allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	cbOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "creditledger",
		Subsystem: "circuitbreaker",
		Name:      "open",
		Help:      "1 while the circuit for a key is open or half-open.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(cbStateTransitions, cbOpen)
}

type entry struct {
	state    State
	failures int
	openedAt time.Time
}

// Status is a point-in-time view of one key.
type Status struct {
	Key      string    `json:"key"`
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// Breaker tracks consecutive failures per key and trips open at the
// threshold. After openDuration one probe call is let through.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
}

// New creates a circuit breaker that opens after threshold consecutive
// failures and stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// WithClock overrides the time source (for testing).
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// Allow reports whether a call for key may proceed. An open circuit whose
// open duration has elapsed moves to half-open and admits a single probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.openedAt) >= b.openDuration {
			b.transition(e, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, key, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure. A failed probe reopens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++

	switch {
	case e.state == StateHalfOpen:
		e.openedAt = b.now()
		b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		e.openedAt = b.now()
		b.transition(e, key, StateOpen)
	}
}

// State returns the current state for a key. Returns StateClosed for unknown keys.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	return e.state
}

// Snapshot lists every key that has recorded a failure, sorted by key.
func (b *Breaker) Snapshot() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Status, 0, len(b.entries))
	for k, e := range b.entries {
		s := Status{Key: k, State: e.state, Failures: e.failures}
		if e.state != StateClosed {
			s.OpenedAt = e.openedAt
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	cbStateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if to == StateClosed {
		cbOpen.WithLabelValues(key).Set(0)
	} else {
		cbOpen.WithLabelValues(key).Set(1)
	}
}
