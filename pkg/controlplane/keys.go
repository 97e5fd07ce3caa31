package controlplane

import (
	"fmt"
	"strconv"
)

// Namespace prefixes every key written by the execution core.
const Namespace = "predator"

// QuotaKey is the counter for a tenant resource.
func QuotaKey(tenantID, resource string) string {
	return fmt.Sprintf("%s:quota:%s:%s", Namespace, tenantID, resource)
}

// QuotaWindowKey is the counter for a tenant resource in a wall-clock window.
func QuotaWindowKey(tenantID, resource string, window int64) string {
	return fmt.Sprintf("%s:quota:%s:%s:%s", Namespace, tenantID, resource, strconv.FormatInt(window, 10))
}

// LeaseKey is the session lease record of a workflow.
func LeaseKey(tenantID, workflowID string) string {
	return fmt.Sprintf("%s:lease:%s:%s", Namespace, tenantID, workflowID)
}

// BreakerKey is the circuit breaker record of a domain.
func BreakerKey(domain string) string {
	return fmt.Sprintf("%s:breaker:%s", Namespace, domain)
}

// ReservationKey is the idempotency reservation record of an action.
func ReservationKey(actionID string) string {
	return fmt.Sprintf("%s:idem:reserve:%s", Namespace, actionID)
}

// ResultKey is the cached result record of an action.
func ResultKey(actionID string) string {
	return fmt.Sprintf("%s:idem:result:%s", Namespace, actionID)
}

// SessionSlotKey is one of a tenant's concurrent session slots.
func SessionSlotKey(tenantID string, slot int) string {
	return fmt.Sprintf("%s:session:%s:%d", Namespace, tenantID, slot)
}
