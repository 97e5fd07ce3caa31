// Package idempotency maps action ids to their single committed result.
//
// A reservation is a TTL record in the control-plane store created with
// compare-and-swap from the absent version, so exactly one caller across all
// nodes holds an action id at a time. A holder that crashes loses the slot
// when the record expires. Completed results are stored alongside and backed
// by the audit trail, which is consulted before any reservation is granted.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anshveerturna/PredatorBrowser/pkg/audit"
	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/controlplane"
)

// ErrReservationLost is returned when a reservation expired or was taken
// over before the holder completed or cancelled it.
var ErrReservationLost = errors.New("idempotency: reservation lost")

// Policy selects what a caller does when another caller holds the action.
type Policy int

const (
	// PolicyWait blocks until the holder completes or cancels, bounded by ctx.
	PolicyWait Policy = iota
	// PolicyConflict returns a Conflict outcome immediately.
	PolicyConflict
)

// OutcomeKind is the result of GetOrReserve.
type OutcomeKind string

const (
	Cached   OutcomeKind = "cached"
	Reserved OutcomeKind = "reserved"
	Conflict OutcomeKind = "conflict"
)

// Reservation identifies a held action slot.
type Reservation struct {
	ActionID string
	Token    string
	Version  int64
}

// Outcome carries the cached result or the granted reservation.
type Outcome struct {
	Kind        OutcomeKind
	Result      *contract.ActionExecutionResult
	Reservation *Reservation
}

// ResultFinder looks up a persisted result by action id. *audit.Trail
// satisfies it.
type ResultFinder interface {
	FindByAction(ctx context.Context, actionID string) (audit.Record, error)
}

type reservationValue struct {
	Token      string    `json:"token"`
	Owner      string    `json:"owner"`
	ReservedAt time.Time `json:"reserved_at"`
}

// Ledger is the idempotency ledger.
type Ledger struct {
	store     controlplane.Store
	finder    ResultFinder
	owner     string
	ttl       time.Duration
	resultTTL time.Duration
	poll      time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	waiters map[string]*waitList
}

// waitList is the wake channel shared by the local waiters of one action.
type waitList struct {
	ch chan struct{}
	n  int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithResultFinder enables cross-process dedupe against persisted results.
func WithResultFinder(f ResultFinder) Option { return func(l *Ledger) { l.finder = f } }

// WithReservationTTL bounds how long a crashed holder blocks the action.
func WithReservationTTL(d time.Duration) Option { return func(l *Ledger) { l.ttl = d } }

// WithResultTTL expires cached results; zero keeps them.
func WithResultTTL(d time.Duration) Option { return func(l *Ledger) { l.resultTTL = d } }

// WithPollInterval sets how often a waiter re-reads the store for holders
// on other nodes.
func WithPollInterval(d time.Duration) Option { return func(l *Ledger) { l.poll = d } }

// WithOwner names the holder recorded in reservations.
func WithOwner(owner string) Option { return func(l *Ledger) { l.owner = owner } }

// WithLogger sets the ledger logger.
func WithLogger(lg *zap.Logger) Option { return func(l *Ledger) { l.logger = lg } }

// New creates a ledger over store.
func New(store controlplane.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		ttl:     2 * time.Minute,
		poll:    50 * time.Millisecond,
		logger:  zap.NewNop(),
		waiters: make(map[string]*waitList),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("component", "idempotency"))
	return l
}

// GetOrReserve returns the cached result of actionID, or reserves it for the
// caller. When another caller holds the reservation the outcome depends on
// policy: PolicyConflict returns Conflict, PolicyWait blocks until the holder
// finishes and then re-evaluates.
func (l *Ledger) GetOrReserve(ctx context.Context, actionID string, policy Policy) (Outcome, error) {
	if l == nil || l.store == nil {
		return Outcome{}, controlplane.ErrStoreNotConfigured
	}
	if actionID == "" {
		return Outcome{}, fmt.Errorf("idempotency: empty action id")
	}

	for {
		res, err := l.lookup(ctx, actionID)
		if err != nil {
			return Outcome{}, err
		}
		if res != nil {
			return Outcome{Kind: Cached, Result: res}, nil
		}

		token := uuid.New().String()
		value, err := json.Marshal(reservationValue{Token: token, Owner: l.owner, ReservedAt: time.Now().UTC()})
		if err != nil {
			return Outcome{}, err
		}
		// Registering before the CAS means a release that races with it
		// still wakes this caller.
		var wake <-chan struct{}
		if policy == PolicyWait {
			wake = l.waiter(actionID)
		}
		rec, ok, err := l.store.CompareAndSwap(ctx, controlplane.ReservationKey(actionID), 0, value, l.ttl)
		if err != nil {
			l.unwait(actionID, wake)
			return Outcome{}, fmt.Errorf("idempotency: reserve: %w", err)
		}
		if ok {
			l.unwait(actionID, wake)
			// The holder may have completed between lookup and CAS.
			if res, err := l.lookup(ctx, actionID); err != nil || res != nil {
				_, _ = l.store.CompareAndDelete(ctx, controlplane.ReservationKey(actionID), rec.Version)
				l.notify(actionID)
				if err != nil {
					return Outcome{}, err
				}
				return Outcome{Kind: Cached, Result: res}, nil
			}
			return Outcome{
				Kind:        Reserved,
				Reservation: &Reservation{ActionID: actionID, Token: token, Version: rec.Version},
			}, nil
		}

		if policy == PolicyConflict {
			l.unwait(actionID, wake)
			return Outcome{Kind: Conflict}, nil
		}
		l.logger.Debug("waiting for reservation holder", zap.String("action_id", actionID))

		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.unwait(actionID, wake)
			return Outcome{}, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
		l.unwait(actionID, wake)
	}
}

// lookup returns the stored result, falling back to the audit trail. A result
// found only in the trail is written back to the store.
func (l *Ledger) lookup(ctx context.Context, actionID string) (*contract.ActionExecutionResult, error) {
	rec, err := l.store.Get(ctx, controlplane.ResultKey(actionID))
	switch {
	case err == nil:
		var res contract.ActionExecutionResult
		if err := json.Unmarshal(rec.Value, &res); err != nil {
			return nil, fmt.Errorf("idempotency: decode cached result: %w", err)
		}
		return &res, nil
	case !errors.Is(err, controlplane.ErrNotFound):
		return nil, fmt.Errorf("idempotency: read result: %w", err)
	}

	if l.finder == nil {
		return nil, nil
	}
	arec, err := l.finder.FindByAction(ctx, actionID)
	if errors.Is(err, audit.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: audit lookup: %w", err)
	}
	var res contract.ActionExecutionResult
	if err := arec.DecodeResult(&res); err != nil {
		return nil, fmt.Errorf("idempotency: decode audited result: %w", err)
	}
	if _, _, err := l.store.CompareAndSwap(ctx, controlplane.ResultKey(actionID), 0, arec.Result, l.resultTTL); err != nil {
		l.logger.Warn("failed to backfill cached result", zap.String("action_id", actionID), zap.Error(err))
	}
	l.logger.Info("result recovered from audit trail",
		zap.String("action_id", actionID),
		zap.String("ledger", arec.Ledger),
		zap.Int64("sequence", arec.Sequence))
	return &res, nil
}

// Complete stores result for the reserved action and frees the reservation.
// Later lookups return the result without re-executing.
func (l *Ledger) Complete(ctx context.Context, r *Reservation, result *contract.ActionExecutionResult) error {
	if l == nil || l.store == nil {
		return controlplane.ErrStoreNotConfigured
	}
	if r == nil || result == nil {
		return fmt.Errorf("idempotency: complete requires a reservation and a result")
	}
	defer l.notify(r.ActionID)

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("idempotency: encode result: %w", err)
	}
	_, stored, err := l.store.CompareAndSwap(ctx, controlplane.ResultKey(r.ActionID), 0, data, l.resultTTL)
	if err != nil {
		return fmt.Errorf("idempotency: store result: %w", err)
	}
	if !stored {
		l.logger.Warn("result already stored", zap.String("action_id", r.ActionID))
	}

	released, err := l.store.CompareAndDelete(ctx, controlplane.ReservationKey(r.ActionID), r.Version)
	if err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	if !released {
		l.logger.Warn("reservation expired before completion", zap.String("action_id", r.ActionID))
	}
	return nil
}

// Cancel frees a reservation without storing a result. It returns
// ErrReservationLost when the reservation is no longer held.
func (l *Ledger) Cancel(ctx context.Context, r *Reservation) error {
	if l == nil || l.store == nil {
		return controlplane.ErrStoreNotConfigured
	}
	if r == nil {
		return nil
	}
	defer l.notify(r.ActionID)

	released, err := l.store.CompareAndDelete(ctx, controlplane.ReservationKey(r.ActionID), r.Version)
	if err != nil {
		return fmt.Errorf("idempotency: cancel: %w", err)
	}
	if !released {
		return ErrReservationLost
	}
	return nil
}

// Held reports whether r is still the live reservation of its action.
func (l *Ledger) Held(ctx context.Context, r *Reservation) (bool, error) {
	rec, err := l.store.Get(ctx, controlplane.ReservationKey(r.ActionID))
	if errors.Is(err, controlplane.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Version == r.Version, nil
}

// TTL returns how long a reservation lives without renewal.
func (l *Ledger) TTL() time.Duration { return l.ttl }

// Extend pushes the expiry of r one TTL ahead and moves r to the new record
// version. It fails with ErrReservationLost when r is no longer held.
func (l *Ledger) Extend(ctx context.Context, r *Reservation) error {
	if l == nil || l.store == nil {
		return controlplane.ErrStoreNotConfigured
	}
	key := controlplane.ReservationKey(r.ActionID)
	rec, err := l.store.Get(ctx, key)
	if errors.Is(err, controlplane.ErrNotFound) {
		return ErrReservationLost
	}
	if err != nil {
		return fmt.Errorf("idempotency: extend: %w", err)
	}
	if rec.Version != r.Version {
		return ErrReservationLost
	}
	next, ok, err := l.store.CompareAndSwap(ctx, key, r.Version, rec.Value, l.ttl)
	if err != nil {
		return fmt.Errorf("idempotency: extend: %w", err)
	}
	if !ok {
		return ErrReservationLost
	}
	r.Version = next.Version
	return nil
}

// KeepAlive extends r every third of the TTL until the returned stop
// function is called. Stop waits for the renewer to exit; r is only read or
// written by the caller after that.
func (l *Ledger) KeepAlive(ctx context.Context, r *Reservation) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	interval := max(l.ttl/3, time.Millisecond)

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := l.Extend(ctx, r)
				switch {
				case err == nil:
				case errors.Is(err, ErrReservationLost):
					l.logger.Error("reservation lost while held", zap.String("action_id", r.ActionID))
					return
				case ctx.Err() != nil:
					return
				default:
					l.logger.Warn("reservation renewal failed", zap.String("action_id", r.ActionID), zap.Error(err))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (l *Ledger) waiter(actionID string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.waiters[actionID]
	if !ok {
		w = &waitList{ch: make(chan struct{})}
		l.waiters[actionID] = w
	}
	w.n++
	return w.ch
}

// unwait drops one waiter registered on ch. The entry goes once nobody
// waits on it; a list already woken by notify is gone.
func (l *Ledger) unwait(actionID string, ch <-chan struct{}) {
	if ch == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.waiters[actionID]
	if !ok || (<-chan struct{})(w.ch) != ch {
		return
	}
	if w.n--; w.n <= 0 {
		delete(l.waiters, actionID)
	}
}

func (l *Ledger) notify(actionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.waiters[actionID]; ok {
		close(w.ch)
		delete(l.waiters, actionID)
	}
}

// pendingWaiters returns how many actions have local waiters.
func (l *Ledger) pendingWaiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
