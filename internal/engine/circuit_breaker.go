package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// Enabled turns the breaker on. A disabled registry admits every call.
	Enabled bool `mapstructure:"enabled"`
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int `mapstructure:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// CircuitStats is a diagnostic view of one breaker.
type CircuitStats struct {
	Action              string       `json:"action"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	FailureThreshold    int          `json:"failure_threshold"`
	Cooldown            string       `json:"cooldown"`
	LastFailure         *time.Time   `json:"last_failure,omitempty"`
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry manages per-action-type circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
// Zero thresholds fall back to the defaults.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	d := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = d.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = d.HalfOpenMax
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest checks whether a call to the given action type may proceed.
// Returns nil if allowed, or a CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(action string) error {
	if !r.config.Enabled {
		return nil
	}
	cb := r.getOrCreate(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request is the first trial
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for action %q after %d consecutive failures", action, cb.consecutiveFailures).
			WithAction(action).
			WithDetails(map[string]any{
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for action %q: trial request in progress", action).WithAction(action)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for the action.
func (r *CircuitBreakerRegistry) RecordSuccess(action string) {
	if !r.config.Enabled {
		return
	}
	cb := r.getOrCreate(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed call and returns the new state along with
// whether this failure opened the circuit.
func (r *CircuitBreakerRegistry) RecordFailure(action string) (CircuitState, bool) {
	if !r.config.Enabled {
		return CircuitClosed, false
	}
	cb := r.getOrCreate(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	prev := cb.state
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state, prev != CircuitOpen && cb.state == CircuitOpen
}

// GetState returns the current state of the circuit for an action.
func (r *CircuitBreakerRegistry) GetState(action string) CircuitState {
	cb := r.getOrCreate(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// Stats returns diagnostic information about every breaker, sorted by action.
func (r *CircuitBreakerRegistry) Stats() []CircuitStats {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make([]CircuitStats, 0, len(names))
	for _, name := range names {
		out = append(out, r.statsFor(name))
	}
	return out
}

func (r *CircuitBreakerRegistry) statsFor(action string) CircuitStats {
	cb := r.getOrCreate(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := CircuitStats{
		Action:              action,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		FailureThreshold:    r.config.FailureThreshold,
		Cooldown:            r.config.Cooldown.String(),
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		s.LastFailure = &t
	}
	return s
}

func (r *CircuitBreakerRegistry) getOrCreate(action string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[action]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[action] = cb
	}
	return cb
}
