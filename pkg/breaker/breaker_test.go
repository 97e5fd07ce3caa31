package breaker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anshveerturna/PredatorBrowser/pkg/controlplane"
	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		FailureRatio:     0.5,
		Window:           time.Minute,
		Cooldown:         10 * time.Second,
		MaxCooldown:      30 * time.Second,
		HalfOpenTrials:   1,
	}
}

func newBreaker(t *testing.T) (*Breaker, *clock, *[]State) {
	t.Helper()
	c := &clock{now: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
	var mu sync.Mutex
	var transitions []State
	b := New(controlplane.NewMemoryStore(), testConfig(),
		WithClock(c.Now),
		WithListener(func(_ string, _, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, to)
		}))
	return b, c, &transitions
}

func fail(t *testing.T, b *Breaker, domain string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		p, err := b.Allow(context.Background(), domain)
		require.NoError(t, err)
		require.NoError(t, p.Failure(context.Background()))
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _, transitions := newBreaker(t)
	ctx := context.Background()

	fail(t, b, "shop.example", 2)
	s, err := b.Snapshot(ctx, "shop.example")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, s.State)

	fail(t, b, "shop.example", 1)
	s, err = b.Snapshot(ctx, "shop.example")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, s.State)
	assert.Equal(t, []State{StateOpen}, *transitions)

	_, err = b.Allow(ctx, "shop.example")
	var open *perrors.CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, 10*time.Second, open.RetryAfter)

	_, err = b.Allow(ctx, "other.example")
	assert.NoError(t, err, "domains are independent")
}

func TestBreaker_TripsOnRatioWithoutConsecutiveFailures(t *testing.T) {
	b, _, _ := newBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := b.Snapshot(ctx, "d")
		require.NoError(t, err)
		require.Equal(t, StateClosed, s.State)

		p, err := b.Allow(ctx, "d")
		require.NoError(t, err)
		require.NoError(t, p.Success(ctx))
		fail(t, b, "d", 1)
	}
	s, err := b.Snapshot(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, s.State)
}

func TestBreaker_WindowRollsCounts(t *testing.T) {
	b, c, _ := newBreaker(t)
	ctx := context.Background()

	p, err := b.Allow(ctx, "d")
	require.NoError(t, err)
	require.NoError(t, p.Success(ctx))
	fail(t, b, "d", 2)

	c.Advance(2 * time.Minute)
	p, err = b.Allow(ctx, "d")
	require.NoError(t, err)
	require.NoError(t, p.Success(ctx))

	s, err := b.Snapshot(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, s.State)
	assert.Equal(t, 0, s.Failures)
	assert.Equal(t, 1, s.Successes)
}

func TestBreaker_SingleTrialThenClose(t *testing.T) {
	b, c, transitions := newBreaker(t)
	ctx := context.Background()
	fail(t, b, "d", 3)

	c.Advance(10 * time.Second)
	trial, err := b.Allow(ctx, "d")
	require.NoError(t, err)
	assert.True(t, trial.Trial)

	_, err = b.Allow(ctx, "d")
	var open *perrors.CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, string(StateHalfOpen), open.State)

	require.NoError(t, trial.Success(ctx))
	s, err := b.Snapshot(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, s.State)
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, *transitions)
}

func TestBreaker_TrialFailureDoublesCooldown(t *testing.T) {
	b, c, _ := newBreaker(t)
	ctx := context.Background()
	fail(t, b, "d", 3)

	cooldowns := []time.Duration{}
	for i := 0; i < 3; i++ {
		s, err := b.Snapshot(ctx, "d")
		require.NoError(t, err)
		c.Advance(s.Cooldown)

		trial, err := b.Allow(ctx, "d")
		require.NoError(t, err)
		require.NoError(t, trial.Failure(ctx))

		s, err = b.Snapshot(ctx, "d")
		require.NoError(t, err)
		require.Equal(t, StateOpen, s.State)
		cooldowns = append(cooldowns, s.Cooldown)
	}
	assert.Equal(t, []time.Duration{20 * time.Second, 30 * time.Second, 30 * time.Second}, cooldowns)

	_, err := b.Allow(ctx, "d")
	assert.ErrorIs(t, err, perrors.ErrCircuitOpen)
}

func TestBreaker_ConcurrentHalfOpenAdmitsOneTrial(t *testing.T) {
	b, c, _ := newBreaker(t)
	ctx := context.Background()
	fail(t, b, "d", 3)
	c.Advance(10 * time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Allow(ctx, "d"); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}

func TestBreaker_LostTrialIsReplaced(t *testing.T) {
	b, c, _ := newBreaker(t)
	ctx := context.Background()
	fail(t, b, "d", 3)
	c.Advance(10 * time.Second)

	_, err := b.Allow(ctx, "d")
	require.NoError(t, err)

	c.Advance(10 * time.Second)
	second, err := b.Allow(ctx, "d")
	require.NoError(t, err, "trial that never reported frees its slot")
	assert.True(t, second.Trial)
}

func TestBreaker_ReleasedPermitFreesHalfOpenSlot(t *testing.T) {
	b, c, _ := newBreaker(t)
	ctx := context.Background()
	fail(t, b, "d", 3)
	c.Advance(10 * time.Second)

	unused, err := b.Allow(ctx, "d")
	require.NoError(t, err)
	_, err = b.Allow(ctx, "d")
	require.ErrorIs(t, err, perrors.ErrCircuitOpen)

	require.NoError(t, unused.Release(ctx))
	next, err := b.Allow(ctx, "d")
	require.NoError(t, err, "no need to wait for the slot timeout")
	require.NoError(t, next.Success(ctx))

	s, err := b.Snapshot(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, s.State)
}

func TestBreaker_ReleaseOfClosedPermitIsNoop(t *testing.T) {
	b, _, _ := newBreaker(t)
	ctx := context.Background()

	p, err := b.Allow(ctx, "d")
	require.NoError(t, err)
	require.NoError(t, p.Release(ctx))

	s, err := b.Snapshot(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, s.State)
	assert.Zero(t, s.Trials)
}

func TestBreaker_StaleReportsIgnored(t *testing.T) {
	b, _, _ := newBreaker(t)
	ctx := context.Background()

	early, err := b.Allow(ctx, "d")
	require.NoError(t, err)
	fail(t, b, "d", 3)

	require.NoError(t, early.Success(ctx))
	s, err := b.Snapshot(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, s.State)
}

func TestBreaker_OpenRatio(t *testing.T) {
	b, _, _ := newBreaker(t)
	ctx := context.Background()

	ratio, err := b.OpenRatio(ctx)
	require.NoError(t, err)
	assert.Zero(t, ratio)

	fail(t, b, "a", 3)
	_, err = b.Allow(ctx, "b")
	require.NoError(t, err)

	ratio, err = b.OpenRatio(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, ratio, 1e-9)
	assert.Equal(t, []string{"a", "b"}, b.Domains())
}

func TestBreaker_SharedAcrossNodes(t *testing.T) {
	c := &clock{now: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
	store := controlplane.NewMemoryStore()
	nodeA := New(store, testConfig(), WithClock(c.Now))
	nodeB := New(store, testConfig(), WithClock(c.Now))

	fail(t, nodeA, "d", 3)
	_, err := nodeB.Allow(context.Background(), "d")
	assert.ErrorIs(t, err, perrors.ErrCircuitOpen)
}
