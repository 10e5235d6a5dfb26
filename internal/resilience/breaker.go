// Package resilience guards calls to downstream inference targets with
// per-target circuit breakers and a retrying executor with exponential
// backoff.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the protected function while a
// breaker is open. It never consumes a retry attempt.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the current mode of a circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig holds the failure threshold and open-state cooldown.
type BreakerConfig struct {
	FailureThreshold int
	Timeout          time.Duration
}

// Breaker isolates one downstream target. Consecutive failures reaching the
// threshold open the circuit; after the cooldown a single trial call is
// permitted, and its outcome decides between CLOSED and OPEN again.
type Breaker struct {
	target string
	config BreakerConfig
	logger *slog.Logger

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	lastFailureAt time.Time
	trialInFlight bool

	now func() time.Time
}

// NewBreaker creates a closed breaker for one target.
func NewBreaker(target string, config BreakerConfig, logger *slog.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &Breaker{
		target: target,
		config: config,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Call executes fn under the breaker. While open and inside the cooldown it
// fails fast with ErrCircuitOpen. fn runs without any breaker lock held.
func (b *Breaker) Call(fn func() (map[string]any, error)) (map[string]any, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}

	result, err := fn()
	if err != nil {
		b.recordFailure()
		return nil, err
	}

	b.recordSuccess()
	return result, nil
}

// State returns a snapshot of the breaker's current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.lastFailureAt) > b.config.Timeout {
			b.state = StateHalfOpen
			b.trialInFlight = true
			b.logger.Info("Circuit breaker transitioning to HALF_OPEN",
				slog.String("target", b.target),
			)
			return nil
		}
		return fmt.Errorf("%w: target %s", ErrCircuitOpen, b.target)

	case StateHalfOpen:
		// Exactly one trial call is permitted.
		if b.trialInFlight {
			return fmt.Errorf("%w: target %s (trial in flight)", ErrCircuitOpen, b.target)
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.logger.Info("Circuit breaker CLOSED - target recovered",
			slog.String("target", b.target),
		)
	}
	b.state = StateClosed
	b.failureCount = 0
	b.trialInFlight = false
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureAt = b.now()
	b.trialInFlight = false

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.logger.Warn("Circuit breaker OPEN - trial call failed",
			slog.String("target", b.target),
		)
		return
	}

	if b.failureCount >= b.config.FailureThreshold {
		b.state = StateOpen
		b.logger.Error("Circuit breaker OPEN - failure threshold reached",
			slog.String("target", b.target),
			slog.Int("failure_count", b.failureCount),
		)
	}
}

// BreakerGroup holds one fully independent breaker per downstream target.
// There is no shared state between targets, so one failing target never
// cascades into another.
type BreakerGroup struct {
	config BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerGroup creates a group whose breakers share one configuration.
func NewBreakerGroup(config BreakerConfig, logger *slog.Logger) *BreakerGroup {
	return &BreakerGroup{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Call runs fn under the breaker for target, creating it on first use.
func (g *BreakerGroup) Call(target string, fn func() (map[string]any, error)) (map[string]any, error) {
	return g.Breaker(target).Call(fn)
}

// Breaker returns the breaker for target, creating it if needed.
func (g *BreakerGroup) Breaker(target string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	breaker, ok := g.breakers[target]
	if !ok {
		breaker = NewBreaker(target, g.config, g.logger)
		g.breakers[target] = breaker
	}
	return breaker
}
