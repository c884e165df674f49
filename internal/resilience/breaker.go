package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agrisubsidy/harvest-cli/internal/config"
)

// State is a circuit breaker state.
type State int

const (
	// Closed lets calls through.
	Closed State = iota
	// Open rejects calls until the reset timeout passes.
	Open
	// HalfOpen lets one probe through.
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

// ErrOpen is returned when a call is rejected by an open breaker.
var ErrOpen = eris.New("circuit breaker is open")

// Breaker trips after a run of consecutive failures and rejects calls until
// ResetTimeout elapses, then admits a single probe.
type Breaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	now      func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, threshold int, resetTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Call runs fn through b and returns its value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	// Caller cancellation says nothing about the service's health.
	if err != nil && ctx.Err() != nil {
		return val, err
	}
	b.record(err)
	return val, err
}

// State returns the current state, reporting half-open once the reset
// timeout has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return nil
	}
	if b.now().Sub(b.openedAt) >= b.resetTimeout {
		b.setState(HalfOpen)
		return nil
	}
	return eris.Wrapf(ErrOpen, "breaker %s", b.name)
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state == HalfOpen {
			b.setState(Closed)
		}
		return
	}

	b.failures++
	switch {
	case b.state == HalfOpen:
		b.openedAt = b.now()
		b.setState(Open)
	case b.state == Closed && b.failures >= b.threshold:
		b.openedAt = b.now()
		b.setState(Open)
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if from != to {
		zap.L().Info("resilience: breaker state change",
			zap.String("breaker", b.name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
}

// Breakers hands out one breaker per name.
type Breakers struct {
	threshold    int
	resetTimeout time.Duration

	mu    sync.Mutex
	items map[string]*Breaker
}

// NewBreakers builds a registry from circuit configuration.
func NewBreakers(c config.CircuitConfig) *Breakers {
	return &Breakers{
		threshold:    c.FailureThreshold,
		resetTimeout: time.Duration(c.ResetTimeoutSecs) * time.Second,
		items:        make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Breakers) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.items[name]
	if !ok {
		b = NewBreaker(name, r.threshold, r.resetTimeout)
		r.items[name] = b
	}
	return b
}

// States snapshots every breaker's state.
func (r *Breakers) States() map[string]State {
	r.mu.Lock()
	names := make(map[string]*Breaker, len(r.items))
	for k, v := range r.items {
		names[k] = v
	}
	r.mu.Unlock()

	out := make(map[string]State, len(names))
	for k, b := range names {
		out[k] = b.State()
	}
	return out
}
