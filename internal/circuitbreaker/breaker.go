// Package circuitbreaker provides a per-key circuit breaker for outbound
// settlement calls. Repeated failures against one payment backend open the
// circuit for that key so the service fails fast instead of piling up
// timed-out provider calls.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrOpen is returned when the circuit is open and calls are rejected.
var ErrOpen = errors.New("circuit breaker: open")

// State of a single circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "circuitbreaker",
	Name:      "transitions_total",
	Help:      "Circuit breaker state transitions.",
}, []string{"key", "to"})

// Breaker tracks failures per key and trips after a threshold of
// consecutive failures. After cooldown it allows a single probe
// (half-open); success closes the circuit, failure re-opens it.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a breaker that opens after threshold consecutive failures
// and allows a probe after cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call for key may proceed. When the circuit is
// open and the cooldown has elapsed, a single caller is admitted as a
// half-open probe.
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(key)
	switch c.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(c.openedAt) >= b.cooldown {
			c.state = HalfOpen
			c.probing = true
			transitions.WithLabelValues(key, HalfOpen.String()).Inc()
			return nil
		}
		return ErrOpen
	case HalfOpen:
		if c.probing {
			return ErrOpen
		}
		c.probing = true
		return nil
	}
	return nil
}

// Success records a successful call for key, closing the circuit.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(key)
	if c.state != Closed {
		transitions.WithLabelValues(key, Closed.String()).Inc()
	}
	c.state = Closed
	c.failures = 0
	c.probing = false
}

// Failure records a failed call for key. In half-open state the circuit
// re-opens immediately; in closed state it opens once the consecutive
// failure count reaches the threshold.
func (b *Breaker) Failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(key)
	c.failures++
	c.probing = false
	if c.state == HalfOpen || c.failures >= b.threshold {
		if c.state != Open {
			transitions.WithLabelValues(key, Open.String()).Inc()
		}
		c.state = Open
		c.openedAt = b.now()
	}
}

// State returns the current state for key.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuit(key).state
}

func (b *Breaker) circuit(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: Closed}
		b.circuits[key] = c
	}
	return c
}
