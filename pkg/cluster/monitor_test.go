package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSources struct {
	mu       sync.Mutex
	inflight int
	sessions int
	ratio    float64
	err      error
}

func (f *fakeSources) set(fn func(*fakeSources)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeSources) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight
}

func (f *fakeSources) ActiveSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func (f *fakeSources) OpenRatio(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ratio, f.err
}

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

func quietSampler() (int, int64) { return 10, 64 << 20 }

func newTestMonitor(slo SLO, src Sources, clk *clock) *Monitor {
	return NewMonitor("node-a", slo, 100*time.Millisecond, src,
		WithSampler(quietSampler), WithMonitorClock(clk.Now))
}

func TestMonitor_NotStartedDoesNotAdmit(t *testing.T) {
	m := newTestMonitor(DefaultSLO(), &fakeSources{}, &clock{now: time.Unix(0, 0)})
	s := m.Snapshot()
	assert.False(t, s.Admit)
	assert.Contains(t, s.Reasons, ReasonNotStarted)
}

func TestMonitor_AdmitsWithinCeilings(t *testing.T) {
	m := newTestMonitor(DefaultSLO(), &fakeSources{inflight: 3, sessions: 2}, &clock{now: time.Unix(0, 0)})
	s := m.Refresh(context.Background())
	assert.True(t, s.Admit)
	assert.Empty(t, s.Reasons)
	assert.Equal(t, 3, s.InflightActions)
	assert.Equal(t, 10, s.OpenFDs)
	assert.True(t, m.Admit())
}

func TestMonitor_LoopLagDrains(t *testing.T) {
	slo := DefaultSLO()
	slo.MaxLoopLagP95 = 100 * time.Millisecond
	m := newTestMonitor(slo, &fakeSources{}, &clock{now: time.Unix(0, 0)})

	for i := 0; i < 20; i++ {
		m.observeLag(500 * time.Millisecond)
	}
	s := m.Refresh(context.Background())
	assert.False(t, s.Admit)
	assert.True(t, s.Draining)
	assert.Contains(t, s.Reasons, ReasonLoopLag)
	assert.Equal(t, 500*time.Millisecond, s.LoopLagP95)
}

func TestMonitor_SingleLagSpikeIsTolerated(t *testing.T) {
	slo := DefaultSLO()
	slo.MaxLoopLagP95 = 100 * time.Millisecond
	m := newTestMonitor(slo, &fakeSources{}, &clock{now: time.Unix(0, 0)})

	for i := 0; i < 79; i++ {
		m.observeLag(time.Millisecond)
	}
	m.observeLag(2 * time.Second)
	assert.True(t, m.Refresh(context.Background()).Admit)
}

func TestMonitor_LagWindowKeepsRecentSamples(t *testing.T) {
	slo := DefaultSLO()
	slo.MaxLoopLagP95 = 100 * time.Millisecond
	m := newTestMonitor(slo, &fakeSources{}, &clock{now: time.Unix(0, 0)})

	for i := 0; i < lagWindow; i++ {
		m.observeLag(time.Second)
	}
	require.False(t, m.Refresh(context.Background()).Admit)
	for i := 0; i < lagWindow; i++ {
		m.observeLag(time.Millisecond)
	}
	assert.True(t, m.Refresh(context.Background()).Admit)
}

func TestMonitor_InflightAtCeilingDrains(t *testing.T) {
	slo := DefaultSLO()
	slo.MaxInflightActions = 10
	src := &fakeSources{inflight: 10}
	m := newTestMonitor(slo, src, &clock{now: time.Unix(0, 0)})

	s := m.Refresh(context.Background())
	assert.False(t, s.Admit)
	assert.Equal(t, []string{ReasonInflight}, s.Reasons)
}

func TestMonitor_RecoveryNeedsHeadroom(t *testing.T) {
	slo := DefaultSLO()
	slo.MaxInflightActions = 10
	slo.RecoveryFactor = 0.5
	src := &fakeSources{inflight: 10}
	var flips []bool
	m := NewMonitor("node-a", slo, 100*time.Millisecond, src,
		WithSampler(quietSampler),
		WithMonitorClock((&clock{now: time.Unix(0, 0)}).Now),
		WithAdmissionListener(func(s Snapshot) { flips = append(flips, s.Admit) }))
	ctx := context.Background()

	require.False(t, m.Refresh(ctx).Admit)

	src.set(func(f *fakeSources) { f.inflight = 7 })
	assert.False(t, m.Refresh(ctx).Admit)

	src.set(func(f *fakeSources) { f.inflight = 4 })
	assert.True(t, m.Refresh(ctx).Admit)

	src.set(func(f *fakeSources) { f.inflight = 7 })
	assert.True(t, m.Refresh(ctx).Admit)

	assert.Equal(t, []bool{false, true}, flips)
}

func TestMonitor_BreakerRatioFailsClosed(t *testing.T) {
	src := &fakeSources{err: errors.New("redis down")}
	m := newTestMonitor(DefaultSLO(), src, &clock{now: time.Unix(0, 0)})

	s := m.Refresh(context.Background())
	assert.False(t, s.Admit)
	assert.Contains(t, s.Reasons, ReasonBreakerRatio)
	assert.Equal(t, 1.0, s.BreakerOpenRatio)
}

func TestMonitor_ProcessCeilings(t *testing.T) {
	slo := DefaultSLO()
	m := NewMonitor("node-a", slo, 100*time.Millisecond, &fakeSources{},
		WithSampler(func() (int, int64) { return 2048, 2 << 30 }),
		WithMonitorClock((&clock{now: time.Unix(0, 0)}).Now))

	s := m.Refresh(context.Background())
	assert.ElementsMatch(t, []string{ReasonFDs, ReasonRSS}, s.Reasons)
}

func TestMonitor_UnknownProcessUsageIsIgnored(t *testing.T) {
	m := NewMonitor("node-a", DefaultSLO(), 100*time.Millisecond, &fakeSources{},
		WithSampler(func() (int, int64) { return unknownUsage, unknownUsage }),
		WithMonitorClock((&clock{now: time.Unix(0, 0)}).Now))
	assert.True(t, m.Refresh(context.Background()).Admit)
}

func TestMonitor_StaleSnapshotStopsAdmitting(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	m := newTestMonitor(DefaultSLO(), &fakeSources{}, clk)
	require.True(t, m.Refresh(context.Background()).Admit)

	clk.Advance(250 * time.Millisecond)
	assert.True(t, m.Admit())

	clk.Advance(100 * time.Millisecond)
	s := m.Snapshot()
	assert.False(t, s.Admit)
	assert.Contains(t, s.Reasons, ReasonStale)
}

func TestNewMonitor_ClampsInterval(t *testing.T) {
	m := NewMonitor("node-a", DefaultSLO(), time.Millisecond, &fakeSources{})
	assert.Equal(t, minMonitorInterval, m.interval)
}
