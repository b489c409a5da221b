package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Transition describes a breaker state change. Class is the error class
// that opened the breaker.
type Transition struct {
	From  CircuitState
	To    CircuitState
	Class string
}

// CircuitBreaker trips after Threshold consecutive failures of one error
// class and rejects model calls until Cooldown has passed, then admits a
// single probe. It is shared by all threads talking to one provider and is
// safe for concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration
	// Ignored classes say nothing about provider health (an oversized
	// request, for example) and never count toward the threshold.
	Ignored map[string]bool
	// OnTransition, when set, is called after every state change, outside
	// the breaker's lock.
	OnTransition func(Transition)

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
	// probeAt is when the outstanding half-open probe was admitted; zero
	// when none is in flight.
	probeAt time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration, ignored ...string) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	c := &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		Ignored:   map[string]bool{},
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
	for _, class := range ignored {
		c.Ignored[class] = true
	}
	return c
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow reports whether a model call may start at now. An open breaker
// whose cooldown has elapsed moves to half-open and admits one probe;
// other callers are rejected until the probe is recorded. A probe that
// never reports back is replaced after another cooldown.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	var t *Transition
	switch c.state {
	case CircuitClosed:
		c.mu.Unlock()
		return true
	case CircuitOpen:
		if now.Sub(c.openedAt) < c.Cooldown {
			c.mu.Unlock()
			return false
		}
		t = c.setState(CircuitHalfOpen)
	case CircuitHalfOpen:
		if !c.probeAt.IsZero() && now.Sub(c.probeAt) < c.Cooldown {
			c.mu.Unlock()
			return false
		}
	}
	c.probeAt = now
	c.mu.Unlock()
	c.notify(t)
	return true
}

// RetryAt returns when the breaker will next admit a probe.
func (c *CircuitBreaker) RetryAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitHalfOpen && !c.probeAt.IsZero() {
		return c.probeAt.Add(c.Cooldown)
	}
	return c.openedAt.Add(c.Cooldown)
}

// RecordSuccess closes the breaker and forgets all counted failures.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	t := c.setState(CircuitClosed)
	c.openedClass = ""
	c.probeAt = time.Time{}
	clear(c.failures)
	c.mu.Unlock()
	c.notify(t)
}

// RecordFailure counts a failure of errClass. A failed half-open probe
// reopens the breaker immediately.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) {
	if errClass == "" {
		errClass = "unknown"
	}
	c.mu.Lock()
	c.probeAt = time.Time{}
	if c.Ignored[errClass] {
		c.mu.Unlock()
		return
	}
	var t *Transition
	c.failures[errClass]++
	if c.state == CircuitHalfOpen || (c.state == CircuitClosed && c.failures[errClass] >= c.Threshold) {
		c.openedAt = now
		c.openedClass = errClass
		t = c.setState(CircuitOpen)
	}
	c.mu.Unlock()
	c.notify(t)
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}

// setState must be called with mu held. It returns nil when nothing changed.
func (c *CircuitBreaker) setState(to CircuitState) *Transition {
	if c.state == to {
		return nil
	}
	t := &Transition{From: c.state, To: to, Class: c.openedClass}
	c.state = to
	return t
}

func (c *CircuitBreaker) notify(t *Transition) {
	if t != nil && c.OnTransition != nil {
		c.OnTransition(*t)
	}
}
