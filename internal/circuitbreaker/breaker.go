// Package circuitbreaker guards per-chain RPC endpoints with a
// closed → open → half-open breaker.
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
	StateClosed   State = iota // reads flow through
	StateOpen                  // endpoint considered down, reads rejected
	StateHalfOpen              // one probe read in flight
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

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hillside",
	Subsystem: "rpc_breaker",
	Name:      "state_transitions_total",
	Help:      "RPC circuit breaker state transitions by chain.",
}, []string{"chain", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive RPC failures per chain key and trips open once
// they reach the threshold. After openDuration one probe is let through.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(chain string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for openDuration before probing.
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

// OnTransition sets a callback invoked asynchronously on state changes.
func (b *Breaker) OnTransition(fn func(chain string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a read against chain may proceed. An open circuit
// whose openDuration has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(chain string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[chain]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, chain, StateHalfOpen)
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
func (b *Breaker) RecordSuccess(chain string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[chain]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, chain, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts an unreachable endpoint. A failed probe reopens the
// circuit immediately.
func (b *Breaker) RecordFailure(chain string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[chain]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[chain] = e
	}

	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, chain, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, chain, StateOpen)
	}
}

// State returns the state for chain. Unknown chains are closed.
func (b *Breaker) State(chain string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[chain]; ok {
		return e.state
	}
	return StateClosed
}

// Tripped lists the chains whose circuit is not closed, sorted.
func (b *Breaker) Tripped() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for chain, e := range b.entries {
		if e.state != StateClosed {
			out = append(out, chain)
		}
	}
	sort.Strings(out)
	return out
}

// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, chain string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	transitions.WithLabelValues(chain, from.String(), to.String()).Inc()
	if fn := b.onTransition; fn != nil {
		go fn(chain, from, to)
	}
}
