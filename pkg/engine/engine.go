// Package engine executes action contracts exactly once.
//
// Execute runs the pipeline: canonicalize, idempotency lookup or reserve,
// circuit breaker, session lease and quota, preconditions, driver dispatch
// with bounded retries, verification, token budget trim, audit append,
// result publication and quota settlement. The reservation is renewed while
// the action runs. Failures before the first
// dispatch are returned as errors and leave no trace in the ledger or the
// audit trail; everything after dispatch produces a recorded result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anshveerturna/PredatorBrowser/pkg/audit"
	"github.com/anshveerturna/PredatorBrowser/pkg/breaker"
	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/driver"
	"github.com/anshveerturna/PredatorBrowser/pkg/idempotency"
	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
	"github.com/anshveerturna/PredatorBrowser/pkg/quota"
	"github.com/anshveerturna/PredatorBrowser/pkg/telemetry"
	"github.com/anshveerturna/PredatorBrowser/pkg/tokenbudget"
	"github.com/anshveerturna/PredatorBrowser/pkg/verify"
)

var (
	// ErrNotConfigured is returned by New when a required dependency is
	// missing.
	ErrNotConfigured = errors.New("engine: dependency not configured (fail-closed)")
	// ErrNotInFlight is returned by Cancel for an action this engine is not
	// executing.
	ErrNotInFlight = errors.New("engine: action not in flight on this node")
)

// Config holds the numeric engine settings.
type Config struct {
	NodeID         string
	Actor          string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ActionTimeout  time.Duration
	TokenBudget    int
	// GroupBudgets caps section groups of the state delta; nil takes
	// tokenbudget.DefaultGroupBudgets.
	GroupBudgets tokenbudget.GroupBudgets
	Policy       idempotency.Policy
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		NodeID:         "node-local",
		Actor:          "predator",
		MaxAttempts:    2,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		ActionTimeout:  30 * time.Second,
		TokenBudget:    tokenbudget.DefaultBudget,
		GroupBudgets:   tokenbudget.DefaultGroupBudgets(),
		Policy:         idempotency.PolicyWait,
	}
}

// Deps are the collaborators of an Engine. All but Canonicalizer and
// Verifier are required.
type Deps struct {
	Canonicalizer *contract.Canonicalizer
	Ledger        *idempotency.Ledger
	Quota         *quota.Manager
	Breaker       *breaker.Breaker
	Driver        driver.Driver
	Verifier      *verify.Verifier
	Trail         *audit.Trail
}

// Engine is the action execution engine of one node.
type Engine struct {
	deps    Deps
	cfg     Config
	sink    telemetry.Sink
	metrics *telemetry.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]*execution
	sessions map[string]quota.Lease
}

// Option configures an Engine.
type Option func(*Engine)

func WithSink(s telemetry.Sink) Option { return func(e *Engine) { e.sink = s } }

// WithMetrics records execution latency on m. Stage counts reach m only
// when it is part of the sink.
func WithMetrics(m *telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New wires an Engine.
func New(deps Deps, cfg Config, opts ...Option) (*Engine, error) {
	switch {
	case deps.Ledger == nil:
		return nil, fmt.Errorf("%w: idempotency ledger", ErrNotConfigured)
	case deps.Quota == nil:
		return nil, fmt.Errorf("%w: quota manager", ErrNotConfigured)
	case deps.Breaker == nil:
		return nil, fmt.Errorf("%w: circuit breaker", ErrNotConfigured)
	case deps.Driver == nil:
		return nil, fmt.Errorf("%w: driver", ErrNotConfigured)
	case deps.Trail == nil:
		return nil, fmt.Errorf("%w: audit trail", ErrNotConfigured)
	}
	if deps.Canonicalizer == nil {
		deps.Canonicalizer = contract.NewCanonicalizer(nil, nil)
	}
	if deps.Verifier == nil {
		v, err := verify.New(nil)
		if err != nil {
			return nil, err
		}
		deps.Verifier = v
	}

	def := DefaultConfig()
	if cfg.NodeID == "" {
		cfg.NodeID = def.NodeID
	}
	if cfg.Actor == "" {
		cfg.Actor = def.Actor
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = def.TokenBudget
	}
	if cfg.GroupBudgets == nil {
		cfg.GroupBudgets = def.GroupBudgets
	}

	e := &Engine{
		deps:     deps,
		cfg:      cfg,
		sink:     telemetry.Nop,
		logger:   zap.NewNop(),
		now:      time.Now,
		inflight: make(map[string]*execution),
		sessions: make(map[string]quota.Lease),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "engine"), zap.String("node", cfg.NodeID))
	return e, nil
}

// NodeID returns the node this engine runs on.
func (e *Engine) NodeID() string { return e.cfg.NodeID }

func (e *Engine) emit(stage telemetry.Stage, c *contract.ActionContract, actionID string, mut func(*telemetry.Event)) {
	ev := telemetry.Event{
		Stage:      stage,
		ActionID:   actionID,
		TenantID:   c.TenantID,
		WorkflowID: c.WorkflowID,
		Node:       e.cfg.NodeID,
		Domain:     c.TargetDomain(),
		At:         e.now(),
	}
	if mut != nil {
		mut(&ev)
	}
	e.sink.Emit(ev)
}

// execution tracks one in-flight action for Cancel.
type execution struct {
	mu         sync.Mutex
	cancel     context.CancelFunc
	canceled   bool
	dispatched bool
}

// begin marks the point of no return. It fails when the execution was
// cancelled first.
func (x *execution) begin() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.canceled {
		return false
	}
	x.dispatched = true
	return true
}

func (x *execution) isCanceled() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.canceled
}

func (e *Engine) track(actionID string, cancel context.CancelFunc) *execution {
	x := &execution{cancel: cancel}
	e.mu.Lock()
	e.inflight[actionID] = x
	e.mu.Unlock()
	return x
}

func (e *Engine) untrack(actionID string) {
	e.mu.Lock()
	delete(e.inflight, actionID)
	e.mu.Unlock()
}

// InFlight returns how many actions are executing on this node.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// ActiveSessions returns how many workflow sessions this node leases.
func (e *Engine) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Cancel stops a reserved action that has not been dispatched yet. Its
// quota and idempotency slot are released and nothing is audited. Once the
// action reached the driver it returns perrors.ErrCancelNotPermitted.
func (e *Engine) Cancel(ctx context.Context, actionID string) error {
	e.mu.Lock()
	x, ok := e.inflight[actionID]
	e.mu.Unlock()
	if !ok {
		return ErrNotInFlight
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dispatched {
		return perrors.ErrCancelNotPermitted
	}
	x.canceled = true
	x.cancel()
	e.logger.Info("action canceled", zap.String("action_id", actionID))
	return nil
}
