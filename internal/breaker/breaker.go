// Package breaker wraps calls to optional backing stores with a timeout and
// a circuit breaker so a slow dependency degrades only its owning component.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker is open. Callers treat it the same
// as a store outage and take their degraded path.
var ErrOpen = errors.New("circuit open")

type Config struct {
	// Timeout bounds every wrapped call.
	Timeout time.Duration `json:"timeout"`
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int `json:"failureThreshold"`
	// OpenWindow is how long the circuit stays open before a probe call.
	OpenWindow time.Duration `json:"openWindow"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		FailureThreshold: 3,
		OpenWindow:       30 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker. The outage is logged
// once when the circuit opens, not on every rejected call.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	failures int
	openedAt time.Time
	open     bool
}

func New(name string, cfg Config) *Breaker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenWindow <= 0 {
		cfg.OpenWindow = DefaultConfig().OpenWindow
	}
	return &Breaker{name: name, cfg: cfg}
}

// Do runs fn under the breaker's timeout. While open, calls fail fast with
// ErrOpen until the open window elapses; the next call is a probe.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	err := fn(ctx)
	b.record(err)
	return err
}

// Available reports whether calls are currently being admitted.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open || time.Since(b.openedAt) >= b.cfg.OpenWindow
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if time.Since(b.openedAt) >= b.cfg.OpenWindow {
		// Half-open: admit one probe. The window restarts if it fails.
		return true
	}
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.open {
			slog.Info("backing store recovered", "store", b.name)
		}
		b.failures = 0
		b.open = false
		return
	}

	b.failures++
	if b.open {
		b.openedAt = time.Now()
		return
	}
	if b.failures >= b.cfg.FailureThreshold {
		b.open = true
		b.openedAt = time.Now()
		slog.Warn("backing store unavailable, circuit opened",
			"store", b.name,
			"failures", b.failures,
			"retry_in", b.cfg.OpenWindow)
	}
}
