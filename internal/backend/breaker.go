package backend

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures the spawn circuit breakers.
type BreakerSettings struct {
	MaxRequests         uint32        // Trial spawns allowed while half-open (default 3)
	Timeout             time.Duration // How long the breaker stays open (default 30s)
	ConsecutiveFailures uint32        // Failures that trip it (default 5)
}

// DefaultBreakerSettings returns the default breaker settings.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         3,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerRegistry manages one circuit breaker per provider, so a CLI that
// keeps failing to spawn stops being hammered while others keep running.
type BreakerRegistry struct {
	mu       sync.Mutex
	settings BreakerSettings
	logger   *log.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry. A nil logger uses log.Default().
func NewBreakerRegistry(settings BreakerSettings, logger *log.Logger) *BreakerRegistry {
	def := DefaultBreakerSettings()
	if settings.MaxRequests == 0 {
		settings.MaxRequests = def.MaxRequests
	}
	if settings.Timeout <= 0 {
		settings.Timeout = def.Timeout
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if logger == nil {
		logger = log.Default()
	}
	return &BreakerRegistry{
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	threshold := r.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.settings.MaxRequests,
		Interval:    0,
		Timeout:     r.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Printf("WARNING: [backend] circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not the provider's fault.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[name] = cb
	return cb
}

// State reports the current state of the breaker for name.
func (r *BreakerRegistry) State(name string) gobreaker.State {
	return r.Get(name).State()
}

// isBreakerOpen reports whether err came from a breaker refusing the call.
func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
