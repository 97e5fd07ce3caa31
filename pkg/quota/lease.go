package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anshveerturna/PredatorBrowser/pkg/controlplane"
	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
)

var (
	// ErrLeaseHeld is returned when another owner holds a live lease.
	ErrLeaseHeld = errors.New("quota: session lease held by another owner")
	// ErrLeaseLost is returned when a lease expired and was taken over.
	ErrLeaseLost = errors.New("quota: session lease lost")
)

// noSlot marks a lease of a tenant without a session ceiling.
const noSlot = -1

// Lease is ownership of a workflow's browser session. Each live lease holds
// one of the tenant's session slots.
type Lease struct {
	TenantID    string
	WorkflowID  string
	Owner       string
	Version     int64
	Slot        int
	SlotVersion int64
	ExpiresAt   time.Time
}

type leaseValue struct {
	Owner     string    `json:"owner"`
	Slot      int       `json:"slot"`
	ExpiresAt time.Time `json:"expires_at"`
}

type slotValue struct {
	WorkflowID string `json:"workflow_id"`
	Owner      string `json:"owner"`
}

// A tenant with MaxConcurrentSessions = n has n slot records. The lease and
// its slot both carry the lease TTL as a store expiry, so a slot whose owner
// crashed frees itself when the lease times out, whether or not the workflow
// ever resumes.

// AcquireSession claims the session of a workflow for owner. A live lease of
// the same owner is renewed; an expired lease is gone and is claimed afresh.
// A new lease takes a free session slot and fails with
// *perrors.QuotaExceededError when the tenant has none left.
func (m *Manager) AcquireSession(ctx context.Context, tenantID, workflowID, owner string) (Lease, error) {
	if m == nil || m.store == nil {
		return Lease{}, controlplane.ErrStoreNotConfigured
	}
	key := controlplane.LeaseKey(tenantID, workflowID)

	rec, err := m.store.Get(ctx, key)
	switch {
	case err == nil:
		var v leaseValue
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return Lease{}, fmt.Errorf("quota: decode lease: %w", err)
		}
		if v.Owner != owner {
			return Lease{}, ErrLeaseHeld
		}
		held := Lease{TenantID: tenantID, WorkflowID: workflowID, Owner: owner, Version: rec.Version, Slot: v.Slot}
		if v.Slot != noSlot {
			srec, err := m.store.Get(ctx, controlplane.SessionSlotKey(tenantID, v.Slot))
			if err != nil && !errors.Is(err, controlplane.ErrNotFound) {
				return Lease{}, fmt.Errorf("quota: read session slot: %w", err)
			}
			held.SlotVersion = srec.Version
		}
		renewed, err := m.RenewSession(ctx, held)
		if !errors.Is(err, ErrLeaseLost) {
			return renewed, err
		}
	case !errors.Is(err, controlplane.ErrNotFound):
		return Lease{}, fmt.Errorf("quota: read lease: %w", err)
	}

	slot, slotVersion, err := m.claimSlot(ctx, tenantID, workflowID, owner)
	if err != nil {
		return Lease{}, err
	}
	lease, err := m.swapLease(ctx, tenantID, workflowID, owner, slot, 0)
	if err != nil {
		m.freeSlot(ctx, tenantID, slot, slotVersion)
		return Lease{}, err
	}
	lease.SlotVersion = slotVersion
	return lease, nil
}

// claimSlot takes the first free session slot of the tenant.
func (m *Manager) claimSlot(ctx context.Context, tenantID, workflowID, owner string) (int, int64, error) {
	limit := m.Limits(tenantID).MaxConcurrentSessions
	if limit <= 0 {
		return noSlot, 0, nil
	}
	value, err := json.Marshal(slotValue{WorkflowID: workflowID, Owner: owner})
	if err != nil {
		return 0, 0, err
	}
	for i := 0; i < int(limit); i++ {
		rec, ok, err := m.store.CompareAndSwap(ctx, controlplane.SessionSlotKey(tenantID, i), 0, value, m.leaseTTL)
		if err != nil {
			return 0, 0, fmt.Errorf("quota: claim session slot: %w", err)
		}
		if ok {
			return i, rec.Version, nil
		}
	}
	m.logger.Info("quota denied",
		zap.String("tenant_id", tenantID),
		zap.String("resource", string(ResourceSessions)),
		zap.Int64("limit", limit))
	return 0, 0, &perrors.QuotaExceededError{
		TenantID:  tenantID,
		Resource:  string(ResourceSessions),
		Limit:     limit,
		Used:      limit,
		Requested: 1,
	}
}

func (m *Manager) freeSlot(ctx context.Context, tenantID string, slot int, version int64) {
	if slot == noSlot {
		return
	}
	if _, err := m.store.CompareAndDelete(ctx, controlplane.SessionSlotKey(tenantID, slot), version); err != nil {
		m.logger.Error("session slot release failed", zap.String("tenant_id", tenantID), zap.Int("slot", slot), zap.Error(err))
	}
}

func (m *Manager) swapLease(ctx context.Context, tenantID, workflowID, owner string, slot int, expected int64) (Lease, error) {
	expires := m.now().Add(m.leaseTTL).UTC()
	value, err := json.Marshal(leaseValue{Owner: owner, Slot: slot, ExpiresAt: expires})
	if err != nil {
		return Lease{}, err
	}
	rec, ok, err := m.store.CompareAndSwap(ctx, controlplane.LeaseKey(tenantID, workflowID), expected, value, m.leaseTTL)
	if err != nil {
		return Lease{}, fmt.Errorf("quota: write lease: %w", err)
	}
	if !ok {
		return Lease{}, ErrLeaseHeld
	}
	return Lease{TenantID: tenantID, WorkflowID: workflowID, Owner: owner, Version: rec.Version, Slot: slot, ExpiresAt: expires}, nil
}

// RenewSession extends a held lease and its session slot. It fails with
// ErrLeaseLost when either expired or was taken over.
func (m *Manager) RenewSession(ctx context.Context, l Lease) (Lease, error) {
	if m == nil || m.store == nil {
		return Lease{}, controlplane.ErrStoreNotConfigured
	}
	renewed, err := m.swapLease(ctx, l.TenantID, l.WorkflowID, l.Owner, l.Slot, l.Version)
	if errors.Is(err, ErrLeaseHeld) {
		return Lease{}, ErrLeaseLost
	}
	if err != nil {
		return Lease{}, err
	}
	if l.Slot == noSlot {
		return renewed, nil
	}

	value, err := json.Marshal(slotValue{WorkflowID: l.WorkflowID, Owner: l.Owner})
	if err != nil {
		return Lease{}, err
	}
	srec, ok, err := m.store.CompareAndSwap(ctx, controlplane.SessionSlotKey(l.TenantID, l.Slot), l.SlotVersion, value, m.leaseTTL)
	if err != nil {
		return Lease{}, fmt.Errorf("quota: renew session slot: %w", err)
	}
	if !ok {
		// The slot expired and went to another workflow; the lease without
		// it is void.
		if _, err := m.store.CompareAndDelete(ctx, controlplane.LeaseKey(l.TenantID, l.WorkflowID), renewed.Version); err != nil {
			m.logger.Warn("orphan lease delete failed", zap.String("workflow_id", l.WorkflowID), zap.Error(err))
		}
		return Lease{}, ErrLeaseLost
	}
	renewed.SlotVersion = srec.Version
	return renewed, nil
}

// CloseSession deletes a held lease and frees its session slot.
func (m *Manager) CloseSession(ctx context.Context, l Lease) error {
	if m == nil || m.store == nil {
		return controlplane.ErrStoreNotConfigured
	}
	deleted, err := m.store.CompareAndDelete(ctx, controlplane.LeaseKey(l.TenantID, l.WorkflowID), l.Version)
	if err != nil {
		return fmt.Errorf("quota: close lease: %w", err)
	}
	if !deleted {
		return ErrLeaseLost
	}
	m.freeSlot(ctx, l.TenantID, l.Slot, l.SlotVersion)
	return nil
}

// liveSessions counts the tenant's occupied session slots.
func (m *Manager) liveSessions(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	limit := m.Limits(tenantID).MaxConcurrentSessions
	for i := 0; i < int(limit); i++ {
		_, err := m.store.Get(ctx, controlplane.SessionSlotKey(tenantID, i))
		if errors.Is(err, controlplane.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("quota: read session slot: %w", err)
		}
		n++
	}
	return n, nil
}
