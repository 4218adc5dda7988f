package control

import "time"

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker counts failures per error class and opens once one class
// reaches Threshold. It is not safe for concurrent use; the poll loop owns it.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

// NewCircuitBreaker returns a closed breaker. Non-positive arguments fall back
// to 5 failures and a 30s cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	return c.state
}

// Allow reports whether a poll may run now. Once the cooldown has elapsed an
// open breaker moves to half-open and lets one probe through; probing is true
// on that transition.
func (c *CircuitBreaker) Allow(now time.Time) (allowed, probing bool) {
	if c.state != CircuitOpen {
		return true, false
	}
	if now.Sub(c.openedAt) >= c.Cooldown {
		c.state = CircuitHalfOpen
		return true, true
	}
	return false, false
}

// RecordSuccess closes the breaker and reports whether it was not already
// closed.
func (c *CircuitBreaker) RecordSuccess() (recovered bool) {
	recovered = c.state != CircuitClosed
	c.state = CircuitClosed
	c.openedClass = ""
	clear(c.failures)
	return recovered
}

// RecordFailure counts an error of the given class and reports whether this
// failure opened the breaker. A failed half-open probe reopens it at once.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) (opened bool) {
	if errClass == "" {
		errClass = "unknown"
	}
	switch c.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		c.open(errClass, now)
		return true
	}
	c.failures[errClass]++
	if c.failures[errClass] >= c.Threshold {
		c.open(errClass, now)
		return true
	}
	return false
}

func (c *CircuitBreaker) open(errClass string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = errClass
}

// OpenedClass is the error class that last tripped the breaker.
func (c *CircuitBreaker) OpenedClass() string {
	return c.openedClass
}
