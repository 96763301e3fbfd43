package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/clock"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type Config struct {
	FailureThreshold   int           // consecutive failures before opening
	SuccessThreshold   int           // consecutive half-open successes before closing
	OpenTimeout        time.Duration // initial open interval
	MaxOpenTimeout     time.Duration // cap when ExponentialBackoff
	CallTimeout        time.Duration // per-call bound, independent of outer deadline
	ExponentialBackoff bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.MaxOpenTimeout <= 0 {
		c.MaxOpenTimeout = 10 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 120 * time.Second
	}
	return c
}

// Breaker guards one named dependency. Open calls fail fast with
// dependency_unavailable carrying the remaining open interval as a
// retry hint; half-open lets probes through one state machine step at
// a time.
type Breaker struct {
	name  string
	cfg   Config
	log   *logger.Logger
	clock clock.Clock

	mu             sync.Mutex
	state          State
	consecFails    int
	consecOKs      int
	totalCalls     int64
	totalFailures  int64
	openedAt       time.Time
	openInterval   time.Duration
	lastTransition time.Time
}

func New(name string, cfg Config, baseLog *logger.Logger, clk clock.Clock) *Breaker {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.System()
	}
	var log *logger.Logger
	if baseLog != nil {
		log = baseLog.With("component", "CircuitBreaker", "dependency", name)
	}
	return &Breaker{
		name:           name,
		cfg:            cfg,
		log:            log,
		clock:          clk,
		state:          StateClosed,
		openInterval:   cfg.OpenTimeout,
		lastTransition: clk.Now(),
	}
}

func (b *Breaker) Name() string { return b.name }

// Do runs op under the breaker. The op context is bounded by CallTimeout; a
// call that outlives it is counted as a breaker failure and returns timeout.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(callCtx) }()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			b.record(false)
			return apierr.E(apierr.KindCancelled, "", ctx.Err())
		}
		b.record(false)
		return apierr.Ef(apierr.KindTimeout, "", "%s: call exceeded %s", b.name, b.cfg.CallTimeout)
	}

	if err != nil {
		// Cancellation of the caller is not a dependency failure.
		if apierr.Is(err, apierr.KindCancelled) {
			return err
		}
		b.record(false)
		return err
	}
	b.record(true)
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		remaining := b.openInterval - now.Sub(b.openedAt)
		if remaining > 0 {
			return apierr.Ef(apierr.KindDependencyUnavailable, "",
				"%s: circuit open", b.name).WithRetryAfter(remaining)
		}
		b.transition(StateHalfOpen, now)
		return nil
	case StateHalfOpen:
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.totalCalls++
	if ok {
		b.consecFails = 0
		switch b.state {
		case StateHalfOpen:
			b.consecOKs++
			if b.consecOKs >= b.cfg.SuccessThreshold {
				b.openInterval = b.cfg.OpenTimeout
				b.transition(StateClosed, now)
			}
		}
		return
	}

	b.totalFailures++
	b.consecOKs = 0
	switch b.state {
	case StateClosed:
		b.consecFails++
		if b.consecFails >= b.cfg.FailureThreshold {
			b.open(now)
		}
	case StateHalfOpen:
		if b.cfg.ExponentialBackoff {
			b.openInterval *= 2
			if b.openInterval > b.cfg.MaxOpenTimeout {
				b.openInterval = b.cfg.MaxOpenTimeout
			}
		}
		b.open(now)
	}
}

func (b *Breaker) open(now time.Time) {
	b.openedAt = now
	b.consecFails = 0
	b.transition(StateOpen, now)
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.lastTransition = now
	if b.log != nil {
		b.log.Info("Breaker state change", "from", from, "to", to, "open_interval", b.openInterval.String())
	}
}

type Snapshot struct {
	Name           string
	State          State
	TotalCalls     int64
	TotalFailures  int64
	SuccessRate    float64
	LastTransition time.Time
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	rate := 1.0
	if b.totalCalls > 0 {
		rate = float64(b.totalCalls-b.totalFailures) / float64(b.totalCalls)
	}
	// Surface open→half_open lazily so snapshots match what allow() would do.
	state := b.state
	if state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.openInterval {
		state = StateHalfOpen
	}
	return Snapshot{
		Name:           b.name,
		State:          state,
		TotalCalls:     b.totalCalls,
		TotalFailures:  b.totalFailures,
		SuccessRate:    rate,
		LastTransition: b.lastTransition,
	}
}

// Registry holds one breaker per named dependency.
type Registry struct {
	mu       sync.Mutex
	log      *logger.Logger
	clock    clock.Clock
	breakers map[string]*Breaker
}

func NewRegistry(baseLog *logger.Logger, clk clock.Clock) *Registry {
	return &Registry{
		log:      baseLog,
		clock:    clk,
		breakers: map[string]*Breaker{},
	}
}

func (r *Registry) Get(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, cfg, r.log, r.clock)
	r.breakers[name] = b
	return b
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
