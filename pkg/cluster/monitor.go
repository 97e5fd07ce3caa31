package cluster

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

// SLO holds the admission ceilings of a node.
type SLO struct {
	MaxActiveSessions   int
	MaxInflightActions  int
	MaxLoopLagP95       time.Duration
	MaxOpenFDs          int
	MaxRSSBytes         int64
	MaxBreakerOpenRatio float64
	// RecoveryFactor scales every ceiling while draining: the node admits
	// again only when all readings are at or below ceiling*RecoveryFactor.
	RecoveryFactor float64
	// StaleAfter is the number of monitor intervals after which a snapshot
	// no longer admits.
	StaleAfter int
}

// DefaultSLO returns the stock ceilings.
func DefaultSLO() SLO {
	return SLO{
		MaxActiveSessions:   120,
		MaxInflightActions:  120,
		MaxLoopLagP95:       1200 * time.Millisecond,
		MaxOpenFDs:          1024,
		MaxRSSBytes:         1024 << 20,
		MaxBreakerOpenRatio: 0.5,
		RecoveryFactor:      0.85,
		StaleAfter:          3,
	}
}

// Breach reasons.
const (
	ReasonInflight     = "inflight_limit"
	ReasonSessions     = "active_sessions"
	ReasonLoopLag      = "loop_lag"
	ReasonFDs          = "fd_count"
	ReasonRSS          = "rss"
	ReasonBreakerRatio = "breaker_open_ratio"
	ReasonStale        = "stale_snapshot"
	ReasonNotStarted   = "not_started"
)

const (
	lagWindow          = 80
	lagPercentile      = 0.95
	minMonitorInterval = 50 * time.Millisecond
	unknownUsage       = -1
)

// Snapshot is a node's health at one refresh.
type Snapshot struct {
	Node             string        `json:"node"`
	Admit            bool          `json:"admit"`
	Draining         bool          `json:"draining"`
	Reasons          []string      `json:"reasons,omitempty"`
	InflightActions  int           `json:"inflight_actions"`
	ActiveSessions   int           `json:"active_sessions"`
	BreakerOpenRatio float64       `json:"breaker_open_ratio"`
	LoopLagP95       time.Duration `json:"loop_lag_p95_ns"`
	OpenFDs          int           `json:"open_fds"`
	RSSBytes         int64         `json:"rss_bytes"`
	At               time.Time     `json:"at"`
}

// Sources supplies the node-level readings of a Monitor.
type Sources interface {
	InFlight() int
	ActiveSessions() int
	OpenRatio(ctx context.Context) (float64, error)
}

// UsageSampler reads process resource usage. Negative values mean unknown.
type UsageSampler func() (fds int, rssBytes int64)

// ProcfsSampler reads the open descriptor count and resident set size of the
// current process from /proc.
func ProcfsSampler() (int, int64) {
	p, err := procfs.Self()
	if err != nil {
		return unknownUsage, unknownUsage
	}
	fds, err := p.FileDescriptorsLen()
	if err != nil {
		fds = unknownUsage
	}
	rss := int64(unknownUsage)
	if stat, err := p.Stat(); err == nil {
		rss = int64(stat.ResidentMemory())
	}
	return fds, rss
}

// Monitor recomputes a node's admission flag on a fixed interval. Readers
// load the last snapshot without locking.
type Monitor struct {
	node     string
	slo      SLO
	interval time.Duration
	src      Sources
	sampler  UsageSampler
	now      func() time.Time
	logger   *zap.Logger
	onChange func(Snapshot)

	snap atomic.Pointer[Snapshot]

	mu  sync.Mutex
	lag []time.Duration
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

func WithSampler(p UsageSampler) MonitorOption { return func(m *Monitor) { m.sampler = p } }

func WithMonitorClock(now func() time.Time) MonitorOption { return func(m *Monitor) { m.now = now } }

func WithMonitorLogger(l *zap.Logger) MonitorOption { return func(m *Monitor) { m.logger = l } }

// WithAdmissionListener is called after every refresh that flips Admit.
func WithAdmissionListener(fn func(Snapshot)) MonitorOption {
	return func(m *Monitor) { m.onChange = fn }
}

// NewMonitor returns a monitor for node. It admits from the first Refresh.
func NewMonitor(node string, slo SLO, interval time.Duration, src Sources, opts ...MonitorOption) *Monitor {
	if interval < minMonitorInterval {
		interval = minMonitorInterval
	}
	def := DefaultSLO()
	if slo.RecoveryFactor <= 0 || slo.RecoveryFactor > 1 {
		slo.RecoveryFactor = def.RecoveryFactor
	}
	if slo.StaleAfter <= 0 {
		slo.StaleAfter = def.StaleAfter
	}
	m := &Monitor{
		node:     node,
		slo:      slo,
		interval: interval,
		src:      src,
		sampler:  ProcfsSampler,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "monitor"), zap.String("node", node))
	return m
}

// Run samples loop lag as ticker lateness and refreshes the snapshot each
// interval until ctx is done. A monitor never refreshed before is refreshed
// immediately.
func (m *Monitor) Run(ctx context.Context) {
	if m.snap.Load() == nil {
		m.Refresh(ctx)
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	expected := m.now().Add(m.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := m.now()
			m.observeLag(max(0, now.Sub(expected)))
			expected = now.Add(m.interval)
			m.Refresh(ctx)
		}
	}
}

func (m *Monitor) observeLag(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lag = append(m.lag, d)
	if len(m.lag) > lagWindow {
		m.lag = m.lag[len(m.lag)-lagWindow:]
	}
}

func (m *Monitor) lagP95() time.Duration {
	m.mu.Lock()
	samples := slices.Clone(m.lag)
	m.mu.Unlock()
	if len(samples) == 0 {
		return 0
	}
	slices.Sort(samples)
	idx := int(float64(len(samples)-1)*lagPercentile + 0.5)
	return samples[min(idx, len(samples)-1)]
}

// Refresh recomputes the snapshot.
func (m *Monitor) Refresh(ctx context.Context) Snapshot {
	s := Snapshot{Node: m.node, At: m.now()}
	if m.src != nil {
		s.InflightActions = m.src.InFlight()
		s.ActiveSessions = m.src.ActiveSessions()
		ratio, err := m.src.OpenRatio(ctx)
		if err != nil {
			m.logger.Warn("breaker ratio unavailable", zap.Error(err))
			// Fail closed: an unreadable breaker store counts as breached.
			ratio = 1
		}
		s.BreakerOpenRatio = ratio
	}
	s.LoopLagP95 = m.lagP95()
	s.OpenFDs, s.RSSBytes = m.sampler()

	prev := m.snap.Load()
	s.Reasons = m.breaches(s, 1)
	if prev != nil && prev.Draining && len(s.Reasons) == 0 {
		s.Reasons = m.breaches(s, m.slo.RecoveryFactor)
	}
	s.Draining = len(s.Reasons) > 0
	s.Admit = !s.Draining
	m.snap.Store(&s)

	if prev == nil || prev.Admit != s.Admit {
		if s.Admit {
			m.logger.Info("node admitting", zap.Duration("loop_lag_p95", s.LoopLagP95))
		} else {
			m.logger.Warn("node draining", zap.Strings("reasons", s.Reasons))
		}
		if m.onChange != nil {
			m.onChange(s)
		}
	}
	return s
}

// breaches lists the ceilings exceeded after scaling them by factor.
func (m *Monitor) breaches(s Snapshot, factor float64) []string {
	var out []string
	scaled := func(limit float64) float64 { return limit * factor }
	if limit := float64(m.slo.MaxInflightActions); limit > 0 {
		inflight := float64(s.InflightActions)
		if inflight >= limit || (factor < 1 && inflight > scaled(limit)) {
			out = append(out, ReasonInflight)
		}
	}
	if m.slo.MaxActiveSessions > 0 && float64(s.ActiveSessions) > scaled(float64(m.slo.MaxActiveSessions)) {
		out = append(out, ReasonSessions)
	}
	if m.slo.MaxLoopLagP95 > 0 && float64(s.LoopLagP95) > scaled(float64(m.slo.MaxLoopLagP95)) {
		out = append(out, ReasonLoopLag)
	}
	if m.slo.MaxOpenFDs > 0 && s.OpenFDs >= 0 && float64(s.OpenFDs) > scaled(float64(m.slo.MaxOpenFDs)) {
		out = append(out, ReasonFDs)
	}
	if m.slo.MaxRSSBytes > 0 && s.RSSBytes >= 0 && float64(s.RSSBytes) > scaled(float64(m.slo.MaxRSSBytes)) {
		out = append(out, ReasonRSS)
	}
	if m.slo.MaxBreakerOpenRatio > 0 && s.BreakerOpenRatio > scaled(m.slo.MaxBreakerOpenRatio) {
		out = append(out, ReasonBreakerRatio)
	}
	return out
}

// Snapshot returns the last snapshot, marked non-admitting when it is stale
// or was never computed.
func (m *Monitor) Snapshot() Snapshot {
	p := m.snap.Load()
	if p == nil {
		return Snapshot{Node: m.node, Draining: true, Reasons: []string{ReasonNotStarted}}
	}
	s := *p
	if m.now().Sub(s.At) > time.Duration(m.slo.StaleAfter)*m.interval {
		s.Admit = false
		s.Reasons = append(slices.Clone(s.Reasons), ReasonStale)
	}
	return s
}

// Admit reports whether the node accepts new actions.
func (m *Monitor) Admit() bool {
	return m.Snapshot().Admit
}
