// internal/recovery/circuit.go
package recovery

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// Breaker states
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker trips after a run of consecutive failures and fails fast
// while open. After the cooldown it admits a single probe; a successful
// probe closes the circuit, a failed one re-opens it.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	cooldown         time.Duration

	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
}

// NewCircuitBreaker creates a closed breaker for a named service
func NewCircuitBreaker(name string, failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		state:            BreakerClosed,
	}
}

// Allow reports whether a request may proceed. In the open state requests
// fail fast until the cooldown elapses; then one probe is admitted.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case BreakerOpen:
		if time.Since(c.openedAt) < c.cooldown {
			return false
		}
		c.state = BreakerHalfOpen
		c.probing = true
		return true
	case BreakerHalfOpen:
		if c.probing {
			return false // probe already in flight
		}
		c.probing = true
		return true
	}
	return true
}

// RecordResult feeds an outcome back into the breaker
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case BreakerClosed:
		if success {
			c.consecutiveFailures = 0
			return
		}
		c.consecutiveFailures++
		if c.consecutiveFailures >= c.failureThreshold {
			c.trip()
		}
	case BreakerHalfOpen:
		c.probing = false
		if success {
			c.reset()
		} else {
			c.trip()
		}
	}
}

// State returns the current breaker state
func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CircuitBreaker) trip() {
	c.state = BreakerOpen
	c.openedAt = time.Now()
	meter := otel.GetMeterProvider().Meter("agentcore")
	if counter, err := meter.Int64Counter("agentcore_circuit_open_total"); err == nil {
		counter.Add(context.Background(), 1)
	}
}

func (c *CircuitBreaker) reset() {
	c.state = BreakerClosed
	c.consecutiveFailures = 0
	c.openedAt = time.Time{}
	meter := otel.GetMeterProvider().Meter("agentcore")
	if counter, err := meter.Int64Counter("agentcore_circuit_closed_total"); err == nil {
		counter.Add(context.Background(), 1)
	}
}
