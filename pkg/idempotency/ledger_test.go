package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anshveerturna/PredatorBrowser/pkg/audit"
	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/controlplane"
)

func result(actionID string) *contract.ActionExecutionResult {
	return &contract.ActionExecutionResult{
		ActionID:   actionID,
		TenantID:   "tenant-a",
		WorkflowID: "wf-1",
		Kind:       contract.KindClick,
		Status:     contract.StatusSucceeded,
		Attempts:   1,
		Committed:  true,
	}
}

func TestLedger_ReserveThenCached(t *testing.T) {
	ctx := context.Background()
	l := New(controlplane.NewMemoryStore())

	out, err := l.GetOrReserve(ctx, "act_1", PolicyConflict)
	require.NoError(t, err)
	require.Equal(t, Reserved, out.Kind)
	require.NotNil(t, out.Reservation)

	again, err := l.GetOrReserve(ctx, "act_1", PolicyConflict)
	require.NoError(t, err)
	assert.Equal(t, Conflict, again.Kind)

	require.NoError(t, l.Complete(ctx, out.Reservation, result("act_1")))

	cached, err := l.GetOrReserve(ctx, "act_1", PolicyConflict)
	require.NoError(t, err)
	require.Equal(t, Cached, cached.Kind)
	assert.Equal(t, "act_1", cached.Result.ActionID)
	assert.Equal(t, contract.StatusSucceeded, cached.Result.Status)
}

func TestLedger_WaiterObservesCompletion(t *testing.T) {
	ctx := context.Background()
	l := New(controlplane.NewMemoryStore(), WithPollInterval(time.Second))

	out, err := l.GetOrReserve(ctx, "act_w", PolicyWait)
	require.NoError(t, err)
	require.Equal(t, Reserved, out.Kind)

	done := make(chan Outcome, 1)
	go func() {
		o, err := l.GetOrReserve(ctx, "act_w", PolicyWait)
		assert.NoError(t, err)
		done <- o
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Complete(ctx, out.Reservation, result("act_w")))

	select {
	case o := <-done:
		assert.Equal(t, Cached, o.Kind)
		assert.Equal(t, "act_w", o.Result.ActionID)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("waiter was not woken by completion")
	}
}

func TestLedger_CancelHandsSlotToWaiter(t *testing.T) {
	ctx := context.Background()
	l := New(controlplane.NewMemoryStore(), WithPollInterval(time.Second))

	out, err := l.GetOrReserve(ctx, "act_c", PolicyWait)
	require.NoError(t, err)

	done := make(chan Outcome, 1)
	go func() {
		o, err := l.GetOrReserve(ctx, "act_c", PolicyWait)
		assert.NoError(t, err)
		done <- o
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Cancel(ctx, out.Reservation))
	assert.ErrorIs(t, l.Cancel(ctx, out.Reservation), ErrReservationLost)

	select {
	case o := <-done:
		assert.Equal(t, Reserved, o.Kind)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("waiter did not take over the cancelled reservation")
	}
}

func TestLedger_WaitHonoursContext(t *testing.T) {
	l := New(controlplane.NewMemoryStore(), WithPollInterval(5*time.Millisecond))
	_, err := l.GetOrReserve(context.Background(), "act_t", PolicyWait)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.GetOrReserve(ctx, "act_t", PolicyWait)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLedger_CrossNodeWaitPolls(t *testing.T) {
	ctx := context.Background()
	store := controlplane.NewMemoryStore()
	nodeA := New(store, WithOwner("node-a"))
	nodeB := New(store, WithOwner("node-b"), WithPollInterval(5*time.Millisecond))

	out, err := nodeA.GetOrReserve(ctx, "act_x", PolicyWait)
	require.NoError(t, err)

	done := make(chan Outcome, 1)
	go func() {
		o, err := nodeB.GetOrReserve(ctx, "act_x", PolicyWait)
		assert.NoError(t, err)
		done <- o
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, nodeA.Complete(ctx, out.Reservation, result("act_x")))

	select {
	case o := <-done:
		assert.Equal(t, Cached, o.Kind)
	case <-time.After(time.Second):
		t.Fatal("remote waiter never observed the result")
	}
}

func TestLedger_ExpiredReservationIsReclaimed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	store := controlplane.NewMemoryStore().WithClock(func() time.Time { return now })
	l := New(store, WithReservationTTL(time.Minute))

	crashed, err := l.GetOrReserve(ctx, "act_e", PolicyConflict)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	out, err := l.GetOrReserve(ctx, "act_e", PolicyConflict)
	require.NoError(t, err)
	assert.Equal(t, Reserved, out.Kind)

	held, err := l.Held(ctx, crashed.Reservation)
	require.NoError(t, err)
	assert.False(t, held)
	assert.ErrorIs(t, l.Cancel(ctx, crashed.Reservation), ErrReservationLost)
}

func TestLedger_AuditTrailDedupesAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	trail := audit.NewTrail(audit.NewMemoryStorage())
	_, err := trail.Append(ctx, audit.Entry{
		ActionID: "act_a", TenantID: "tenant-a", WorkflowID: "wf-1",
		Contract: []byte(`{}`), Result: result("act_a"),
	})
	require.NoError(t, err)

	// A fresh store, as after a control-plane wipe or on another region.
	store := controlplane.NewMemoryStore()
	l := New(store, WithResultFinder(trail))

	out, err := l.GetOrReserve(ctx, "act_a", PolicyConflict)
	require.NoError(t, err)
	require.Equal(t, Cached, out.Kind)
	assert.True(t, out.Result.Committed)

	_, err = store.Get(ctx, controlplane.ResultKey("act_a"))
	assert.NoError(t, err, "audited result is written back to the store")
}

func TestLedger_ConcurrentCallersReserveOnce(t *testing.T) {
	ctx := context.Background()
	l := New(controlplane.NewMemoryStore(), WithPollInterval(2*time.Millisecond))

	var executions atomic.Int32
	results := make([]*contract.ActionExecutionResult, 16)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := l.GetOrReserve(ctx, "act_race", PolicyWait)
			if !assert.NoError(t, err) {
				return
			}
			if out.Kind == Reserved {
				executions.Add(1)
				res := result("act_race")
				res.Detail = "executed"
				assert.NoError(t, l.Complete(ctx, out.Reservation, res))
				results[i] = res
				return
			}
			results[i] = out.Result
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), executions.Load())
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, "executed", r.Detail)
	}
}

func TestLedger_FailClosedWithoutStore(t *testing.T) {
	_, err := New(nil).GetOrReserve(context.Background(), "act", PolicyWait)
	assert.ErrorIs(t, err, controlplane.ErrStoreNotConfigured)
}

func TestLedger_ExtendPushesExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	store := controlplane.NewMemoryStore().WithClock(func() time.Time { return now })
	l := New(store, WithReservationTTL(time.Minute))

	out, err := l.GetOrReserve(ctx, "act_ext", PolicyConflict)
	require.NoError(t, err)
	before := out.Reservation.Version

	for i := 0; i < 3; i++ {
		now = now.Add(40 * time.Second)
		require.NoError(t, l.Extend(ctx, out.Reservation))
	}
	assert.NotEqual(t, before, out.Reservation.Version)

	again, err := l.GetOrReserve(ctx, "act_ext", PolicyConflict)
	require.NoError(t, err)
	assert.Equal(t, Conflict, again.Kind, "an extended reservation stays held")

	require.NoError(t, l.Complete(ctx, out.Reservation, result("act_ext")))
}

func TestLedger_ExtendAfterExpiryIsLost(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	store := controlplane.NewMemoryStore().WithClock(func() time.Time { return now })
	l := New(store, WithReservationTTL(time.Minute))

	out, err := l.GetOrReserve(ctx, "act_gone", PolicyConflict)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = l.GetOrReserve(ctx, "act_gone", PolicyConflict)
	require.NoError(t, err)
	assert.ErrorIs(t, l.Extend(ctx, out.Reservation), ErrReservationLost)
}

func TestLedger_KeepAliveOutlivesTTL(t *testing.T) {
	ctx := context.Background()
	l := New(controlplane.NewMemoryStore(), WithReservationTTL(60*time.Millisecond))

	out, err := l.GetOrReserve(ctx, "act_ka", PolicyConflict)
	require.NoError(t, err)
	stop := l.KeepAlive(ctx, out.Reservation)

	time.Sleep(200 * time.Millisecond)
	again, err := l.GetOrReserve(ctx, "act_ka", PolicyConflict)
	require.NoError(t, err)
	assert.Equal(t, Conflict, again.Kind)

	stop()
	stop()
	require.NoError(t, l.Complete(ctx, out.Reservation, result("act_ka")))
}

func TestLedger_TimedOutWaiterIsForgotten(t *testing.T) {
	store := controlplane.NewMemoryStore()
	holder := New(store, WithOwner("node-a"))
	l := New(store, WithOwner("node-b"), WithPollInterval(5*time.Millisecond))

	_, err := holder.GetOrReserve(context.Background(), "act_rw", PolicyWait)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			_, err := l.GetOrReserve(ctx, "act_rw", PolicyWait)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		}()
	}
	wg.Wait()
	assert.Zero(t, l.pendingWaiters())
}
