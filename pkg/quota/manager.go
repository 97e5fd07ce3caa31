// Package quota enforces per-tenant resource limits through atomic
// check-and-increment operations on the control-plane store, so two nodes
// racing for a tenant's last slot can never both succeed.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anshveerturna/PredatorBrowser/pkg/audit"
	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/controlplane"
	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
)

// Resource names a limited tenant resource.
type Resource string

const (
	ResourceSessions         Resource = "sessions"
	ResourceActionsPerMinute Resource = "actions_per_minute"
	ResourceArtifactBytes    Resource = "artifact_bytes"
	ResourceStepTokens       Resource = "step_tokens"

	// tokensSpent accumulates recorded token spend; it has no ceiling.
	tokensSpent = "tokens_spent"
)

// errSessionsByLease is returned by Reserve for the sessions resource, which
// is only taken through AcquireSession.
var errSessionsByLease = errors.New("quota: sessions are reserved by AcquireSession")

// windowTTL keeps a minute window counter alive past its minute so late
// refunds land on the counter they were taken from.
const windowTTL = 2 * time.Minute

// Grant is one granted reservation of a resource.
type Grant struct {
	TenantID string   `json:"tenant_id"`
	Resource Resource `json:"resource"`
	Amount   int64    `json:"amount"`
	Key      string   `json:"key,omitempty"`
}

// Demand is what one action needs from its tenant's quota.
type Demand struct {
	Actions       int64
	ArtifactBytes int64
	StepTokens    int64
}

// Reservation groups the grants taken for one action.
type Reservation struct {
	TenantID   string
	Grants     []Grant
	dispatched bool
}

// MarkDispatched records that the action reached the driver. The action's
// rate window slot is then consumed and not returned by Release.
func (r *Reservation) MarkDispatched() {
	if r != nil {
		r.dispatched = true
	}
}

// Usage is a tenant's current consumption.
type Usage struct {
	TenantID          string `json:"tenant_id"`
	Limits            Limits `json:"limits"`
	Sessions          int64  `json:"sessions"`
	ActionsThisMinute int64  `json:"actions_this_minute"`
	ArtifactBytes     int64  `json:"artifact_bytes"`
	TokensSpent       int64  `json:"tokens_spent"`
}

// Manager is the tenant quota manager.
type Manager struct {
	store    controlplane.Store
	profiles *Profiles
	leaseTTL time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLeaseTTL sets how long a session lease lives without renewal.
func WithLeaseTTL(d time.Duration) Option { return func(m *Manager) { m.leaseTTL = d } }

// WithClock overrides the clock used for rate windows and lease expiry.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager creates a manager. A nil profiles uses DefaultLimits.
func NewManager(store controlplane.Store, profiles *Profiles, opts ...Option) *Manager {
	if profiles == nil {
		profiles = NewProfiles(DefaultLimits())
	}
	m := &Manager{
		store:    store,
		profiles: profiles,
		leaseTTL: 5 * time.Minute,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "quota"))
	return m
}

// Limits returns the effective limits of tenantID.
func (m *Manager) Limits(tenantID string) Limits {
	return m.profiles.For(tenantID)
}

func (m *Manager) key(tenantID string, r Resource) string {
	if r == ResourceActionsPerMinute {
		return controlplane.QuotaWindowKey(tenantID, string(r), m.now().Unix()/60)
	}
	return controlplane.QuotaKey(tenantID, string(r))
}

// Reserve atomically takes amount of resource for tenantID. It fails with
// *perrors.QuotaExceededError when the limit would be exceeded, and fails
// closed when the store is unavailable.
func (m *Manager) Reserve(ctx context.Context, tenantID string, r Resource, amount int64) (Grant, error) {
	if m == nil || m.store == nil {
		return Grant{}, controlplane.ErrStoreNotConfigured
	}
	if amount <= 0 {
		return Grant{TenantID: tenantID, Resource: r}, nil
	}
	limit := m.Limits(tenantID).of(r)

	switch r {
	case ResourceStepTokens:
		// Per-step ceiling; spend is accumulated by Record.
		if limit > 0 && amount > limit {
			return Grant{}, &perrors.QuotaExceededError{TenantID: tenantID, Resource: string(r), Limit: limit, Requested: amount}
		}
		return Grant{TenantID: tenantID, Resource: r, Amount: amount}, nil
	case ResourceSessions:
		return Grant{}, errSessionsByLease
	case ResourceArtifactBytes, ResourceActionsPerMinute:
	default:
		return Grant{}, fmt.Errorf("quota: unknown resource %q", r)
	}

	key := m.key(tenantID, r)
	var ttl time.Duration
	if r == ResourceActionsPerMinute {
		ttl = windowTTL
	}
	used, ok, err := m.store.Add(ctx, key, amount, limit, ttl)
	if err != nil {
		return Grant{}, fmt.Errorf("quota: reserve %s: %w", r, err)
	}
	if !ok {
		m.logger.Info("quota denied",
			zap.String("tenant_id", tenantID),
			zap.String("resource", string(r)),
			zap.Int64("limit", limit),
			zap.Int64("used", used),
			zap.Int64("requested", amount))
		return Grant{}, &perrors.QuotaExceededError{TenantID: tenantID, Resource: string(r), Limit: limit, Used: used, Requested: amount}
	}
	return Grant{TenantID: tenantID, Resource: r, Amount: amount, Key: key}, nil
}

// refund returns a grant to its counter.
func (m *Manager) refund(ctx context.Context, g Grant) error {
	if g.Key == "" || g.Amount <= 0 {
		return nil
	}
	if _, _, err := m.store.Add(ctx, g.Key, -g.Amount, 0, 0); err != nil {
		return fmt.Errorf("quota: refund %s: %w", g.Resource, err)
	}
	return nil
}

// ReserveAction reserves everything d needs, all or nothing.
func (m *Manager) ReserveAction(ctx context.Context, tenantID string, d Demand) (*Reservation, error) {
	res := &Reservation{TenantID: tenantID}
	steps := []struct {
		r      Resource
		amount int64
	}{
		{ResourceStepTokens, d.StepTokens},
		{ResourceActionsPerMinute, d.Actions},
		{ResourceArtifactBytes, d.ArtifactBytes},
	}
	for _, s := range steps {
		g, err := m.Reserve(ctx, tenantID, s.r, s.amount)
		if err != nil {
			for _, taken := range res.Grants {
				if rerr := m.refund(ctx, taken); rerr != nil {
					m.logger.Error("refund after denial failed", zap.String("tenant_id", tenantID), zap.Error(rerr))
				}
			}
			return nil, err
		}
		if g.Amount > 0 {
			res.Grants = append(res.Grants, g)
		}
	}
	return res, nil
}

// Release drops the holds of r. Artifact byte holds are always returned
// (actual bytes are added by Record); the rate window slot is returned only
// when the action never reached the driver.
func (m *Manager) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, g := range r.Grants {
		if g.Resource == ResourceActionsPerMinute && r.dispatched {
			continue
		}
		if err := m.refund(ctx, g); err != nil {
			errs = append(errs, err)
		}
	}
	r.Grants = nil
	return errors.Join(errs...)
}

// Record adds the artifact bytes and token spend of an audited result to the
// tenant's cumulative counters.
func (m *Manager) Record(ctx context.Context, rec audit.Record) error {
	if m == nil || m.store == nil {
		return controlplane.ErrStoreNotConfigured
	}
	var res contract.ActionExecutionResult
	if err := rec.DecodeResult(&res); err != nil {
		return fmt.Errorf("quota: record: %w", err)
	}
	if b := res.ArtifactBytes(); b > 0 {
		if _, _, err := m.store.Add(ctx, controlplane.QuotaKey(rec.TenantID, string(ResourceArtifactBytes)), b, 0, 0); err != nil {
			return fmt.Errorf("quota: record artifact bytes: %w", err)
		}
	}
	if t := int64(res.StateDelta.Tokens); t > 0 {
		if _, _, err := m.store.Add(ctx, controlplane.QuotaKey(rec.TenantID, tokensSpent), t, 0, 0); err != nil {
			return fmt.Errorf("quota: record tokens: %w", err)
		}
	}
	return nil
}

// Usage reads the tenant's current counters.
func (m *Manager) Usage(ctx context.Context, tenantID string) (Usage, error) {
	if m == nil || m.store == nil {
		return Usage{}, controlplane.ErrStoreNotConfigured
	}
	u := Usage{TenantID: tenantID, Limits: m.Limits(tenantID)}
	sessions, err := m.liveSessions(ctx, tenantID)
	if err != nil {
		return Usage{}, err
	}
	u.Sessions = sessions
	reads := []struct {
		key string
		dst *int64
	}{
		{m.key(tenantID, ResourceActionsPerMinute), &u.ActionsThisMinute},
		{m.key(tenantID, ResourceArtifactBytes), &u.ArtifactBytes},
		{controlplane.QuotaKey(tenantID, tokensSpent), &u.TokensSpent},
	}
	for _, r := range reads {
		v, err := m.store.Counter(ctx, r.key)
		if err != nil {
			return Usage{}, fmt.Errorf("quota: usage: %w", err)
		}
		*r.dst = v
	}
	return u, nil
}
