package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/taskcore/internal/capability"
)

// RetryConfig configures fixed-interval retries of a capability invocation.
// A zero MaxRetries means a single attempt.
type RetryConfig struct {
	MaxRetries int           // Retries after the first attempt
	Interval   time.Duration // Wait between attempts (default 100ms)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		Interval:   100 * time.Millisecond,
	}
}

// BreakerConfig configures the per-capability circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // Trip after this many failures in a row (default 5)
	OpenTimeout         time.Duration // Stay open this long before probing (default 30s)
	HalfOpenRequests    uint32        // Probe requests allowed while half-open (default 3)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    3,
	}
}

// errInterrupted marks an invocation stopped by the caller's context rather
// than by the capability itself. Breakers do not count it as a failure.
var errInterrupted = errors.New("invocation interrupted")

// CircuitBreakerRegistry manages per-capability circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
	metrics  *Metrics
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry. Zero
// config fields take their defaults.
func NewCircuitBreakerRegistry(cfg BreakerConfig, logger *slog.Logger, metrics *Metrics) *CircuitBreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = def.HalfOpenRequests
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
		metrics:  metrics,
	}
}

// Get returns the circuit breaker for the given capability.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.cfg.HalfOpenRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "capability", name, "from", from.String(), "to", to.String())
			r.metrics.IncBreakerTransition(name, to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation by the caller is not a capability failure
			return err == nil || errors.Is(err, errInterrupted)
		},
	})

	r.breakers[name] = cb
	return cb
}

// State returns the state of name's breaker, or closed if none exists yet.
func (r *CircuitBreakerRegistry) State(name string) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// invokeWithRetry invokes a capability through its circuit breaker, retrying
// failures at a fixed interval. Per-invocation timeouts are retried; unknown
// capabilities, bad arguments, an open breaker and cancellation of ctx are
// not. Returns the number of attempts made. The returned invocation's Done
// is nil unless an attempt outlived its timeout; it is then closed once every
// attempt has returned.
func invokeWithRetry(
	ctx context.Context,
	reg *capability.Registry,
	taskID string,
	desc capability.Descriptor,
	timeout time.Duration,
	cb *gobreaker.CircuitBreaker,
	retryCfg RetryConfig,
	onRetry func(attempt int, err error),
) (capability.Invocation, int, error) {
	var (
		inv      capability.Invocation
		attempts int
		dones    []<-chan struct{}
	)

	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempts++

		result, err := cb.Execute(func() (interface{}, error) {
			res, err := reg.Invoke(ctx, desc.Name, desc.Args, timeout)
			if err != nil && ctx.Err() != nil {
				return res, fmt.Errorf("%w: %w", errInterrupted, err)
			}
			return res, err
		})
		if last, ok := result.(capability.Invocation); ok {
			inv = last
			if last.Done != nil {
				dones = append(dones, last.Done)
			}
		}

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("capability %q: %w", desc.Name, err))
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}

			var unknown *capability.UnknownCapabilityError
			var badArg *capability.ArgumentError
			if errors.As(err, &unknown) || errors.As(err, &badArg) {
				return backoff.Permanent(err)
			}

			if errors.Is(err, context.DeadlineExceeded) {
				return &TimeoutError{Scope: ScopeTask, TaskID: taskID, Limit: timeout, Err: err}
			}
			return err
		}

		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryCfg.Interval), uint64(max(retryCfg.MaxRetries, 0))),
		ctx,
	)
	notify := func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(attempts+1, err)
		}
	}

	err := backoff.RetryNotify(operation, policy, notify)
	inv.Done = stillRunning(dones)
	return inv, attempts, err
}

// stillRunning returns a channel closed once every attempt in dones has
// returned, or nil if they all have already.
func stillRunning(dones []<-chan struct{}) <-chan struct{} {
	var open []<-chan struct{}
	for _, d := range dones {
		select {
		case <-d:
		default:
			open = append(open, d)
		}
	}
	if len(open) == 0 {
		return nil
	}
	all := make(chan struct{})
	go func() {
		for _, d := range open {
			<-d
		}
		close(all)
	}()
	return all
}
