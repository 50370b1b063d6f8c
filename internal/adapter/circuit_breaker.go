package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Reasons reported by CircuitBreaker.Status.
const (
	ReasonOK           = "ok"
	ReasonHalted       = "halted"
	ReasonDisconnected = "disconnected"
	ReasonNotReady     = "not_ready"
	ReasonStale        = "stale"
	ReasonCoolingOff   = "cooling_off"
)

// CircuitBreakerConfig holds tunable parameters for the CircuitBreaker.
type CircuitBreakerConfig struct {
	// StaleThreshold is the maximum age of the last applied book message
	// before the book is considered stale. Default: 5s.
	StaleThreshold time.Duration

	// CoolOff is the duration of continuous healthy data required after a
	// recovery before the book is reported healthy again. Default: 2s.
	CoolOff time.Duration

	// PollInterval is how frequently Run re-evaluates health and notifies
	// watchers of transitions. Default: 100ms.
	PollInterval time.Duration
}

// DefaultCircuitBreakerConfig returns production-tuned defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		StaleThreshold: 5 * time.Second,
		CoolOff:        2 * time.Second,
		PollInterval:   100 * time.Millisecond,
	}
}

// BookState is the part of the engine the breaker watches.
type BookState interface {
	Ready() bool
	LastApplied() time.Time
}

// ConnState exposes connection health. Satisfied by *WSClient.
type ConnState interface {
	Circuit() CircuitState
}

// CircuitBreaker decides whether the book can be trusted. It enforces:
//   - Connection health via ConnState.Circuit()
//   - Book readiness and data staleness via BookState
//   - Cool-off period after recovery
//   - Manual halt
type CircuitBreaker struct {
	cfg  CircuitBreakerConfig
	book BookState
	log  *logrus.Entry

	connMu sync.RWMutex
	conn   ConnState

	mu          sync.Mutex
	healthy     bool // last evaluated health, before cool-off
	recoveredAt time.Time
	reported    bool
	reason      string
	halted      bool
	watchers    []func(healthy bool, reason string)

	nowFunc func() time.Time // injectable clock for testing
}

// NewCircuitBreaker creates a CircuitBreaker watching book. Connections are
// registered separately via WatchConnection.
func NewCircuitBreaker(cfg CircuitBreakerConfig, book BookState, log *logrus.Entry) *CircuitBreaker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CircuitBreaker{
		cfg:     cfg,
		book:    book,
		log:     log,
		reason:  ReasonNotReady,
		nowFunc: time.Now,
	}
}

// WatchConnection registers a connection so its Circuit() state is monitored.
func (cb *CircuitBreaker) WatchConnection(conn ConnState) {
	cb.connMu.Lock()
	cb.conn = conn
	cb.connMu.Unlock()
}

// OnTransition registers fn to be called by Run whenever the reported
// health changes, and once with the initial state.
func (cb *CircuitBreaker) OnTransition(fn func(healthy bool, reason string)) {
	cb.mu.Lock()
	cb.watchers = append(cb.watchers, fn)
	cb.mu.Unlock()
}

// ManualHalt forces the breaker open until Resume is called.
func (cb *CircuitBreaker) ManualHalt() {
	cb.mu.Lock()
	cb.halted = true
	cb.mu.Unlock()
}

// Resume clears the manual halt. The book still needs to pass the staleness
// and cool-off checks before Healthy returns true.
func (cb *CircuitBreaker) Resume() {
	cb.mu.Lock()
	cb.halted = false
	cb.mu.Unlock()
}

// Healthy reports whether the book can be trusted right now.
func (cb *CircuitBreaker) Healthy() bool {
	ok, _ := cb.Status()
	return ok
}

// Status returns health and the reason for it. It holds only if ALL of the
// following hold:
//  1. No manual halt is active.
//  2. The watched connection's circuit is Closed.
//  3. The book is Ready and was updated within StaleThreshold.
//  4. The cool-off period has elapsed since the last recovery.
func (cb *CircuitBreaker) Status() (bool, string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.evaluateLocked()
}

func (cb *CircuitBreaker) evaluateLocked() (bool, string) {
	// A manual halt does not count as a failure, so Resume needs no cool-off.
	if cb.halted {
		return false, ReasonHalted
	}

	now := cb.nowFunc()
	reason := cb.baseReason(now)
	if reason != ReasonOK {
		cb.healthy = false
		return false, reason
	}

	// Transitioning from unhealthy to healthy starts the cool-off.
	if !cb.healthy {
		cb.healthy = true
		cb.recoveredAt = now
	}
	if now.Sub(cb.recoveredAt) < cb.cfg.CoolOff {
		return false, ReasonCoolingOff
	}
	return true, ReasonOK
}

func (cb *CircuitBreaker) baseReason(now time.Time) string {
	cb.connMu.RLock()
	conn := cb.conn
	cb.connMu.RUnlock()
	if conn != nil && conn.Circuit() == CircuitOpen {
		return ReasonDisconnected
	}

	if !cb.book.Ready() {
		return ReasonNotReady
	}
	if now.Sub(cb.book.LastApplied()) > cb.cfg.StaleThreshold {
		return ReasonStale
	}
	return ReasonOK
}

// Run re-evaluates health every PollInterval, logging transitions and
// notifying watchers. It blocks until ctx is cancelled.
func (cb *CircuitBreaker) Run(ctx context.Context) {
	ticker := time.NewTicker(cb.cfg.PollInterval)
	defer ticker.Stop()

	cb.poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cb.poll()
		}
	}
}

func (cb *CircuitBreaker) poll() {
	cb.mu.Lock()
	healthy, reason := cb.evaluateLocked()
	changed := !cb.reported || reason != cb.reason
	cb.reported = true
	cb.reason = reason
	watchers := append([]func(bool, string){}, cb.watchers...)
	cb.mu.Unlock()

	if !changed {
		return
	}
	entry := cb.log.WithField("reason", reason)
	if healthy {
		entry.Info("breaker: book healthy")
	} else {
		entry.Warn("breaker: book unhealthy")
	}
	for _, fn := range watchers {
		fn(healthy, reason)
	}
}
