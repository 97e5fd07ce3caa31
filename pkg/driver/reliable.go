package driver

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
)

// ReliableConfig tunes the node-local protection of the driver endpoint.
type ReliableConfig struct {
	// RatePerSecond paces calls into the driver; zero disables pacing.
	RatePerSecond float64
	Burst         int
	// ConsecutiveFailures of the driver itself trips the local breaker.
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

// DefaultReliableConfig returns the stock wrapper settings.
func DefaultReliableConfig() ReliableConfig {
	return ReliableConfig{
		RatePerSecond:       100,
		Burst:               20,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    3,
	}
}

// Reliable guards a Driver with a rate limiter and a local circuit breaker on
// the driver process. Page-level failures (missing elements, failed
// navigations) are the target domain's problem and do not trip it; only an
// unavailable or timing-out driver does.
type Reliable struct {
	next    Driver
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewReliable wraps next.
func NewReliable(next Driver, cfg ReliableConfig, logger *zap.Logger) *Reliable {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "driver"))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "browser-driver",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			de, ok := perrors.AsDriverError(err)
			if !ok {
				return false
			}
			return de.Kind != perrors.DriverUnavailable && de.Kind != perrors.DriverTimeout
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("driver breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Reliable{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (r *Reliable) call(ctx context.Context, fn func() (*ObservedState, error)) (*ObservedState, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, &perrors.DriverError{Kind: perrors.DriverTimeout, Err: err}
	}
	out, err := r.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &perrors.DriverError{Kind: perrors.DriverUnavailable, Err: err}
	}
	if err != nil {
		return nil, Classify(err, false)
	}
	state, _ := out.(*ObservedState)
	return state, nil
}

func (r *Reliable) Perform(ctx context.Context, c *contract.ActionContract) (*ObservedState, error) {
	return r.call(ctx, func() (*ObservedState, error) { return r.next.Perform(ctx, c) })
}

func (r *Reliable) Observe(ctx context.Context, tenantID, workflowID string) (*ObservedState, error) {
	return r.call(ctx, func() (*ObservedState, error) { return r.next.Observe(ctx, tenantID, workflowID) })
}

// State reports the local driver breaker state.
func (r *Reliable) State() gobreaker.State {
	return r.cb.State()
}

// CloseSession forwards to the wrapped driver when it keeps per-workflow
// sessions.
func (r *Reliable) CloseSession(tenantID, workflowID string) error {
	if sc, ok := r.next.(interface{ CloseSession(string, string) error }); ok {
		return sc.CloseSession(tenantID, workflowID)
	}
	return nil
}
