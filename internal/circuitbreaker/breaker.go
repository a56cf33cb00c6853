package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Short-circuiting every request
	StateHalfOpen              // Letting a single probe through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Policy is the named set of parameters a breaker trips and recovers by.
type Policy struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Permit is handed out by Allow and must be returned through exactly one of
// RecordSuccess or RecordFailure.
type Permit struct {
	generation uint64
	probe      bool
}

// Probe reports whether the permit was issued to the half-open probe.
func (p Permit) Probe() bool {
	return p.probe
}

// Transition describes a single state change of a breaker.
type Transition struct {
	Policy string
	From   State
	To     State
	At     time.Time
}

// Stats is a point-in-time copy of a breaker's state.
type Stats struct {
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastTransition      time.Time `json:"last_transition"`
	ProbeInFlight       bool      `json:"probe_in_flight"`
}

type CircuitBreaker struct {
	name   string
	policy Policy
	now    func() time.Time
	notify func(Transition)

	mutex               sync.Mutex
	state               State
	consecutiveFailures int
	lastTransition      time.Time
	probeInFlight       bool

	// generation changes on every transition so outcomes of requests admitted
	// under an earlier state are ignored.
	generation uint64
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithTransitionListener registers fn to be called after every state change.
// fn runs outside the breaker lock.
func WithTransitionListener(fn func(Transition)) Option {
	return func(cb *CircuitBreaker) {
		cb.notify = fn
	}
}

func NewCircuitBreaker(name string, policy Policy, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		policy: policy,
		now:    time.Now,
		state:  StateClosed,
	}

	for _, opt := range opts {
		opt(cb)
	}

	cb.lastTransition = cb.now()
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) Policy() Policy {
	return cb.policy
}

// Allow decides whether a request may reach the backend. OPEN moves to
// HALF_OPEN lazily here once the cooldown has elapsed, and the caller that
// observes the move becomes the probe.
func (cb *CircuitBreaker) Allow() (Permit, bool) {
	cb.mutex.Lock()

	var (
		permit  Permit
		allowed bool
		change  *Transition
	)

	switch cb.state {
	case StateClosed:
		permit, allowed = Permit{generation: cb.generation}, true
	case StateOpen:
		if cb.now().Sub(cb.lastTransition) >= cb.policy.Cooldown {
			change = cb.transitionLocked(StateHalfOpen)
			cb.probeInFlight = true
			permit, allowed = Permit{generation: cb.generation, probe: true}, true
		}
	case StateHalfOpen:
		if !cb.probeInFlight {
			cb.probeInFlight = true
			permit, allowed = Permit{generation: cb.generation, probe: true}, true
		}
	}

	cb.mutex.Unlock()
	cb.emit(change)

	return permit, allowed
}

// RecordSuccess reports a successful backend call made under p.
func (cb *CircuitBreaker) RecordSuccess(p Permit) {
	cb.mutex.Lock()

	var change *Transition
	if p.generation == cb.generation {
		switch cb.state {
		case StateClosed:
			cb.consecutiveFailures = 0
		case StateHalfOpen:
			if p.probe {
				cb.consecutiveFailures = 0
				change = cb.transitionLocked(StateClosed)
			}
		}
	}

	cb.mutex.Unlock()
	cb.emit(change)
}

// RecordFailure reports a failed backend call made under p.
func (cb *CircuitBreaker) RecordFailure(p Permit) {
	cb.mutex.Lock()

	var change *Transition
	if p.generation == cb.generation {
		switch cb.state {
		case StateClosed:
			cb.consecutiveFailures++
			if cb.consecutiveFailures >= cb.policy.FailureThreshold {
				change = cb.transitionLocked(StateOpen)
			}
		case StateHalfOpen:
			if p.probe {
				change = cb.transitionLocked(StateOpen)
			}
		}
	}

	cb.mutex.Unlock()
	cb.emit(change)
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return Stats{
		State:               cb.state,
		StateName:           cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		LastTransition:      cb.lastTransition,
		ProbeInFlight:       cb.probeInFlight,
	}
}

// transitionLocked must be called with cb.mutex held.
func (cb *CircuitBreaker) transitionLocked(to State) *Transition {
	t := &Transition{
		Policy: cb.name,
		From:   cb.state,
		To:     to,
		At:     cb.now(),
	}

	cb.state = to
	cb.lastTransition = t.At
	cb.probeInFlight = false
	cb.generation++

	return t
}

func (cb *CircuitBreaker) emit(t *Transition) {
	if t == nil || cb.notify == nil {
		return
	}
	cb.notify(*t)
}
