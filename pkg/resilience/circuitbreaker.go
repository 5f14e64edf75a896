// Package resilience guards calls to flaky dependencies with a circuit
// breaker. The embedding provider uses it to stop calling a failing model
// and serve fallback vectors until the model recovers.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected
	StateHalfOpen              // a limited number of probe calls pass
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling through while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// BreakerOpts configures a Breaker.
type BreakerOpts struct {
	// FailThreshold is how many consecutive failures trip the breaker.
	FailThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// HalfOpenMax is the number of concurrent probe calls allowed.
	HalfOpenMax int
	// IsFailure decides whether an error counts against the breaker. The
	// default ignores context cancellation, which is the caller's doing.
	IsFailure func(error) bool
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to State)
}

// DefaultBreakerOpts are used for zero fields.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Counts is a snapshot of the breaker's bookkeeping.
type Counts struct {
	State               State     `json:"-"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Trips               int       `json:"trips"`
	Rejected            int       `json:"rejected"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Breaker is a closed/open/half-open circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	opts     BreakerOpts
	state    State
	failures int
	probes   int
	trips    int
	rejected int
	openedAt time.Time
	now      func() time.Time
}

// NewBreaker creates a Breaker, filling zero options from DefaultBreakerOpts.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	if opts.IsFailure == nil {
		opts.IsFailure = countsAsFailure
	}
	return &Breaker{opts: opts, now: time.Now}
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	st, changed := b.advance()
	b.mu.Unlock()
	b.notify(changed, StateOpen, st)
	return st
}

// Counts returns a snapshot of the breaker.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	st, changed := b.advance()
	c := Counts{
		State:               st,
		ConsecutiveFailures: b.failures,
		Trips:               b.trips,
		Rejected:            b.rejected,
	}
	if st != StateClosed {
		c.OpenedAt = b.openedAt
	}
	b.mu.Unlock()
	b.notify(changed, StateOpen, st)
	return c
}

// advance moves open to half-open once Timeout has elapsed. Must hold mu.
func (b *Breaker) advance() (State, bool) {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.Timeout {
		b.state = StateHalfOpen
		b.probes = 0
		return b.state, true
	}
	return b.state, false
}

func (b *Breaker) notify(changed bool, from, to State) {
	if changed && b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, to)
	}
}

// admit reserves a call slot or reports ErrCircuitOpen.
func (b *Breaker) admit() error {
	b.mu.Lock()
	st, changed := b.advance()
	var err error
	switch st {
	case StateOpen:
		b.rejected++
		err = ErrCircuitOpen
	case StateHalfOpen:
		if b.probes >= b.opts.HalfOpenMax {
			b.rejected++
			err = ErrCircuitOpen
		} else {
			b.probes++
		}
	}
	b.mu.Unlock()
	b.notify(changed, StateOpen, st)
	return err
}

// record applies the outcome of an admitted call.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.state
	switch {
	case err != nil && b.opts.IsFailure(err):
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.failures = 0
			b.probes = 0
			b.trips++
		}
	case err != nil:
		// Not the dependency's fault; release a probe slot without judging.
		if b.state == StateHalfOpen && b.probes > 0 {
			b.probes--
		}
	default:
		b.state = StateClosed
		b.failures = 0
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from != to, from, to)
}

// Execute runs f through b and returns its value.
func Execute[T any](ctx context.Context, b *Breaker, f func(context.Context) (T, error)) (T, error) {
	if err := b.admit(); err != nil {
		var zero T
		return zero, err
	}
	v, err := f(ctx)
	b.record(err)
	return v, err
}
