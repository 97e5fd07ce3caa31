// Package breaker implements the per-domain circuit breaker.
//
// Breaker state lives in the control-plane store and every transition is a
// compare-and-swap, so all nodes see the same state for a domain and at most
// the configured number of half-open trials is admitted cluster-wide.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anshveerturna/PredatorBrowser/pkg/controlplane"
	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
)

// State of a domain circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const maxCASAttempts = 16

// ErrContention is returned when the state record kept changing under us.
var ErrContention = errors.New("breaker: state contention")

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold trips the circuit after this many consecutive
	// failures, or this many failures in the window when FailureRatio is met.
	FailureThreshold int
	FailureRatio     float64
	Window           time.Duration
	Cooldown         time.Duration
	MaxCooldown      time.Duration
	HalfOpenTrials   int
	// TrialTimeout frees a trial slot whose holder never reported back.
	TrialTimeout time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureRatio:     0.5,
		Window:           120 * time.Second,
		Cooldown:         60 * time.Second,
		MaxCooldown:      900 * time.Second,
		HalfOpenTrials:   1,
		TrialTimeout:     60 * time.Second,
	}
}

// Snapshot is the stored state of a domain.
type Snapshot struct {
	State       State         `json:"state"`
	Failures    int           `json:"failures"`
	Successes   int           `json:"successes"`
	Consecutive int           `json:"consecutive"`
	WindowStart time.Time     `json:"window_start"`
	OpenUntil   time.Time     `json:"open_until,omitempty"`
	Cooldown    time.Duration `json:"cooldown"`
	Trials      int           `json:"trials"`
	TrialUntil  time.Time     `json:"trial_until,omitempty"`
}

// Listener observes state transitions.
type Listener func(domain string, from, to State)

// Breaker is the shared per-domain circuit breaker.
type Breaker struct {
	store    controlplane.Store
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
	listener Listener

	mu   sync.Mutex
	seen map[string]struct{}
}

// Option configures a Breaker.
type Option func(*Breaker)

func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }

func WithLogger(l *zap.Logger) Option { return func(b *Breaker) { b.logger = l } }

// WithListener registers a transition observer.
func WithListener(fn Listener) Option { return func(b *Breaker) { b.listener = fn } }

// New creates a breaker over store.
func New(store controlplane.Store, cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = def.HalfOpenTrials
	}
	if cfg.TrialTimeout <= 0 {
		cfg.TrialTimeout = cfg.Cooldown
	}
	b := &Breaker{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
		seen:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "breaker"))
	return b
}

// Permit is an admitted request. Exactly one of Success or Failure should be
// reported for it.
type Permit struct {
	b      *Breaker
	Domain string
	Trial  bool
}

// Success reports that the request succeeded.
func (p *Permit) Success(ctx context.Context) error { return p.b.report(ctx, p, true) }

// Failure reports that the request failed.
func (p *Permit) Failure(ctx context.Context) error { return p.b.report(ctx, p, false) }

// Release hands back a permit whose request was never sent. A half-open
// slot is freed at once instead of waiting out TrialTimeout.
func (p *Permit) Release(ctx context.Context) error {
	if p == nil || !p.Trial {
		return nil
	}
	return p.b.release(ctx, p.Domain)
}

func (b *Breaker) load(ctx context.Context, domain string) (Snapshot, int64, error) {
	rec, err := b.store.Get(ctx, controlplane.BreakerKey(domain))
	if errors.Is(err, controlplane.ErrNotFound) {
		return Snapshot{State: StateClosed}, 0, nil
	}
	if err != nil {
		return Snapshot{}, 0, fmt.Errorf("breaker: load %s: %w", domain, err)
	}
	var s Snapshot
	if err := json.Unmarshal(rec.Value, &s); err != nil {
		return Snapshot{}, 0, fmt.Errorf("breaker: decode %s: %w", domain, err)
	}
	return s, rec.Version, nil
}

func (b *Breaker) save(ctx context.Context, domain string, version int64, s Snapshot) (bool, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return false, err
	}
	_, ok, err := b.store.CompareAndSwap(ctx, controlplane.BreakerKey(domain), version, data, 0)
	if err != nil {
		return false, fmt.Errorf("breaker: save %s: %w", domain, err)
	}
	return ok, nil
}

func (b *Breaker) transition(domain string, from, to State, s Snapshot) {
	if from == to {
		return
	}
	b.logger.Info("circuit state changed",
		zap.String("domain", domain),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Duration("cooldown", s.Cooldown))
	if b.listener != nil {
		b.listener(domain, from, to)
	}
}

// Allow admits a request to domain or fails fast with
// *perrors.CircuitOpenError. While half-open at most HalfOpenTrials
// requests are admitted until one of them reports.
func (b *Breaker) Allow(ctx context.Context, domain string) (*Permit, error) {
	if b == nil || b.store == nil {
		return nil, controlplane.ErrStoreNotConfigured
	}
	b.track(domain)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		s, version, err := b.load(ctx, domain)
		if err != nil {
			return nil, err
		}
		now := b.now()
		from := s.State

		switch s.State {
		case StateClosed, "":
			return &Permit{b: b, Domain: domain}, nil
		case StateOpen:
			if now.Before(s.OpenUntil) {
				return nil, &perrors.CircuitOpenError{Domain: domain, State: string(StateOpen), RetryAfter: s.OpenUntil.Sub(now)}
			}
			s.State = StateHalfOpen
			s.Trials = 0
		case StateHalfOpen:
			if s.Trials >= b.cfg.HalfOpenTrials && now.Before(s.TrialUntil) {
				return nil, &perrors.CircuitOpenError{Domain: domain, State: string(StateHalfOpen), RetryAfter: s.TrialUntil.Sub(now)}
			}
			if s.Trials >= b.cfg.HalfOpenTrials {
				b.logger.Warn("trial timed out without report", zap.String("domain", domain))
				s.Trials = 0
			}
		}

		s.Trials++
		s.TrialUntil = now.Add(b.cfg.TrialTimeout)
		ok, err := b.save(ctx, domain, version, s)
		if err != nil {
			return nil, err
		}
		if ok {
			b.transition(domain, from, s.State, s)
			return &Permit{b: b, Domain: domain, Trial: true}, nil
		}
	}
	return nil, ErrContention
}

func (b *Breaker) report(ctx context.Context, p *Permit, success bool) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		s, version, err := b.load(ctx, p.Domain)
		if err != nil {
			return err
		}
		now := b.now()
		from := s.State

		switch s.State {
		case StateOpen:
			// Late reports from before the trip carry no information.
			return nil
		case StateHalfOpen:
			if !p.Trial {
				return nil
			}
			if success {
				s = Snapshot{State: StateClosed, WindowStart: now, Cooldown: b.cfg.Cooldown}
			} else {
				s.Cooldown = b.nextCooldown(s.Cooldown)
				b.open(&s, now)
			}
		default:
			if s.WindowStart.IsZero() || now.Sub(s.WindowStart) >= b.cfg.Window {
				s.WindowStart = now
				s.Failures, s.Successes = 0, 0
			}
			if success {
				s.Successes++
				s.Consecutive = 0
			} else {
				s.Failures++
				s.Consecutive++
			}
			if b.shouldTrip(s) {
				if s.Cooldown <= 0 {
					s.Cooldown = b.cfg.Cooldown
				}
				b.open(&s, now)
			}
			s.State = stateOr(s.State, StateClosed)
		}

		ok, err := b.save(ctx, p.Domain, version, s)
		if err != nil {
			return err
		}
		if ok {
			b.transition(p.Domain, from, s.State, s)
			return nil
		}
	}
	return ErrContention
}

func (b *Breaker) release(ctx context.Context, domain string) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		s, version, err := b.load(ctx, domain)
		if err != nil {
			return err
		}
		if s.State != StateHalfOpen || s.Trials == 0 {
			return nil
		}
		s.Trials--
		ok, err := b.save(ctx, domain, version, s)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrContention
}

func stateOr(s, def State) State {
	if s == "" {
		return def
	}
	return s
}

func (b *Breaker) shouldTrip(s Snapshot) bool {
	if s.Consecutive >= b.cfg.FailureThreshold {
		return true
	}
	total := s.Failures + s.Successes
	if s.Failures < b.cfg.FailureThreshold || total == 0 {
		return false
	}
	return float64(s.Failures)/float64(total) >= b.cfg.FailureRatio
}

func (b *Breaker) nextCooldown(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.cfg.Cooldown
	}
	next := cur * 2
	if next > b.cfg.MaxCooldown {
		next = b.cfg.MaxCooldown
	}
	return next
}

func (b *Breaker) open(s *Snapshot, now time.Time) {
	s.State = StateOpen
	s.OpenUntil = now.Add(s.Cooldown)
	s.Failures, s.Successes, s.Consecutive, s.Trials = 0, 0, 0, 0
	s.WindowStart = time.Time{}
	s.TrialUntil = time.Time{}
}

// Snapshot returns the stored state of domain.
func (b *Breaker) Snapshot(ctx context.Context, domain string) (Snapshot, error) {
	if b == nil || b.store == nil {
		return Snapshot{}, controlplane.ErrStoreNotConfigured
	}
	s, _, err := b.load(ctx, domain)
	if s.State == "" {
		s.State = StateClosed
	}
	return s, err
}

func (b *Breaker) track(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen[domain] = struct{}{}
}

// Domains lists the domains this node has asked about.
func (b *Breaker) Domains() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.seen))
	for d := range b.seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// OpenRatio is the share of this node's domains whose circuit is not closed.
func (b *Breaker) OpenRatio(ctx context.Context) (float64, error) {
	domains := b.Domains()
	if len(domains) == 0 {
		return 0, nil
	}
	open := 0
	for _, d := range domains {
		s, err := b.Snapshot(ctx, d)
		if err != nil {
			return 0, err
		}
		if s.State != StateClosed {
			open++
		}
	}
	return float64(open) / float64(len(domains)), nil
}
