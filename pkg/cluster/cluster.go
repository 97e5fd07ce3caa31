package cluster

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/engine"
	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
	"github.com/anshveerturna/PredatorBrowser/pkg/telemetry"
)

var (
	// ErrNoNodes is returned by New without nodes.
	ErrNoNodes = errors.New("cluster: no nodes configured")
	// ErrStopped is delivered to actions still queued when the cluster stops.
	ErrStopped = errors.New("cluster: stopped")
	// ErrNotStarted is returned by Enqueue before Start.
	ErrNotStarted = errors.New("cluster: not started")
)

// Executor is the execution engine of one node. *engine.Engine satisfies it.
type Executor interface {
	NodeID() string
	Execute(ctx context.Context, c *contract.ActionContract) (*contract.ActionExecutionResult, error)
	Cancel(ctx context.Context, actionID string) error
	CloseSession(ctx context.Context, tenantID, workflowID string) error
	InFlight() int
	ActiveSessions() int
}

// Node is one execution node with its admission monitor.
type Node struct {
	ID      string
	exec    Executor
	monitor *Monitor
	limit   int
	running atomic.Int64
}

// NewNode wraps exec. openRatio reports the share of open breaker domains;
// nil reports zero.
func NewNode(exec Executor, slo SLO, interval time.Duration, openRatio func(context.Context) (float64, error), opts ...MonitorOption) *Node {
	n := &Node{ID: exec.NodeID(), exec: exec, limit: max(1, slo.MaxInflightActions)}
	if openRatio == nil {
		openRatio = func(context.Context) (float64, error) { return 0, nil }
	}
	n.monitor = NewMonitor(n.ID, slo, interval, nodeSources{n: n, ratio: openRatio}, opts...)
	return n
}

// Monitor returns the node's admission monitor.
func (n *Node) Monitor() *Monitor { return n.monitor }

// Running returns the actions dispatched to the node and not finished yet.
func (n *Node) Running() int { return int(n.running.Load()) }

func (n *Node) hasCapacity() bool { return n.Running() < n.limit }

type nodeSources struct {
	n     *Node
	ratio func(context.Context) (float64, error)
}

func (s nodeSources) InFlight() int { return max(s.n.Running(), s.n.exec.InFlight()) }

func (s nodeSources) ActiveSessions() int { return s.n.exec.ActiveSessions() }

func (s nodeSources) OpenRatio(ctx context.Context) (float64, error) { return s.ratio(ctx) }

// Config holds the scheduling settings.
type Config struct {
	Shards           int
	DispatchInterval time.Duration
	LightWeight      int
	HeavyWeight      int
}

// DefaultConfig returns the stock scheduling settings.
func DefaultConfig() Config {
	return Config{
		Shards:           3,
		DispatchInterval: 20 * time.Millisecond,
		LightWeight:      3,
		HeavyWeight:      1,
	}
}

// DispatchHook observes every dispatch in order.
type DispatchHook func(shard int, c *contract.ActionContract, node string)

// Cluster routes, schedules and dispatches actions over its nodes.
type Cluster struct {
	cfg     Config
	router  *Router
	nodes   []*Node
	byID    map[string]*Node
	sink    telemetry.Sink
	metrics *telemetry.Metrics
	logger  *zap.Logger
	hook    DispatchHook

	mu      sync.Mutex
	queues  []*shardQueue
	admits  map[string]bool
	started bool
	stopped bool
	cancel  context.CancelFunc

	wake    chan struct{}
	running sync.WaitGroup
	loops   sync.WaitGroup
}

// Option configures a Cluster.
type Option func(*Cluster)

func WithSink(s telemetry.Sink) Option { return func(c *Cluster) { c.sink = s } }

func WithMetrics(m *telemetry.Metrics) Option { return func(c *Cluster) { c.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(c *Cluster) { c.logger = l } }

func WithDispatchHook(h DispatchHook) Option { return func(c *Cluster) { c.hook = h } }

// New builds a cluster over nodes.
func New(cfg Config, nodes []*Node, opts ...Option) (*Cluster, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = def.DispatchInterval
	}
	if cfg.LightWeight <= 0 {
		cfg.LightWeight = def.LightWeight
	}
	if cfg.HeavyWeight <= 0 {
		cfg.HeavyWeight = def.HeavyWeight
	}

	c := &Cluster{
		cfg:    cfg,
		router: NewRouter(cfg.Shards),
		nodes:  nodes,
		byID:   make(map[string]*Node, len(nodes)),
		sink:   telemetry.Nop,
		logger: zap.NewNop(),
		queues: make([]*shardQueue, cfg.Shards),
		admits: make(map[string]bool, len(nodes)),
		wake:   make(chan struct{}, 1),
	}
	for _, n := range nodes {
		if _, dup := c.byID[n.ID]; dup {
			return nil, fmt.Errorf("cluster: duplicate node id %q", n.ID)
		}
		c.byID[n.ID] = n
	}
	for i := range c.queues {
		c.queues[i] = newShardQueue(cfg.LightWeight, cfg.HeavyWeight)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "cluster"))
	return c, nil
}

// Router returns the workflow router.
func (c *Cluster) Router() *Router { return c.router }

// Start runs the node monitors and the dispatch loop until Stop or ctx ends.
func (c *Cluster) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	for _, n := range c.nodes {
		n.monitor.Refresh(ctx)
		c.loops.Add(1)
		go func(m *Monitor) {
			defer c.loops.Done()
			m.Run(ctx)
		}(n.monitor)
	}
	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		c.loop(ctx)
	}()
	c.logger.Info("cluster started", zap.Int("shards", c.cfg.Shards), zap.Int("nodes", len(c.nodes)))
}

// Stop halts dispatching, fails queued actions with ErrStopped and waits,
// bounded by ctx, for dispatched actions to finish.
func (c *Cluster) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.cancel()
	for _, q := range c.queues {
		for it := q.pop(func(*item) bool { return true }); it != nil; it = q.pop(func(*item) bool { return true }) {
			it.done <- Outcome{Err: ErrStopped}
		}
	}
	c.mu.Unlock()
	c.loops.Wait()

	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue queues c on its workflow's shard and returns the channel its
// outcome is delivered on.
func (c *Cluster) Enqueue(ctx context.Context, ac *contract.ActionContract) (<-chan Outcome, error) {
	if ac == nil {
		return nil, perrors.Invalid("", "contract is nil")
	}
	class := ac.WorkClass()
	if class != contract.ClassLight && class != contract.ClassHeavy {
		return nil, perrors.Invalid("class", "unknown work class %q", class)
	}
	shard := c.router.Shard(ac.TenantID, ac.WorkflowID)
	it := &item{ctx: ctx, c: ac, class: class, tenantID: ac.TenantID, done: make(chan Outcome, 1)}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	c.queues[shard].push(it)
	depth := c.queues[shard].depth()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.QueueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(depth))
	}
	c.sink.Emit(telemetry.Event{
		Stage:      telemetry.StageQueued,
		TenantID:   ac.TenantID,
		WorkflowID: ac.WorkflowID,
		Domain:     ac.TargetDomain(),
		Status:     string(class),
		At:         time.Now(),
	})
	c.signal()
	return it.done, nil
}

// Submit queues c and waits for its result.
func (c *Cluster) Submit(ctx context.Context, ac *contract.ActionContract) (*contract.ActionExecutionResult, error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	done, err := c.Enqueue(ctx, ac)
	if err != nil {
		return nil, err
	}
	select {
	case o := <-done:
		return o.Result, o.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel cancels a reserved action on whichever node executes it.
func (c *Cluster) Cancel(ctx context.Context, actionID string) error {
	for _, n := range c.nodes {
		err := n.exec.Cancel(ctx, actionID)
		if !errors.Is(err, engine.ErrNotInFlight) {
			return err
		}
	}
	return engine.ErrNotInFlight
}

// CloseSession closes the workflow session on its owning node and releases
// the workflow's pins.
func (c *Cluster) CloseSession(ctx context.Context, tenantID, workflowID string) error {
	owner, ok := c.router.Owner(tenantID, workflowID)
	c.router.Forget(tenantID, workflowID)
	if !ok {
		return nil
	}
	return c.byID[owner].exec.CloseSession(ctx, tenantID, workflowID)
}

func (c *Cluster) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Cluster) loop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		c.dispatch()
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

// dispatch drains every shard queue as far as admission and node capacity
// allow.
func (c *Cluster) dispatch() {
	c.observeAdmission()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	for shard, q := range c.queues {
		for {
			var target *Node
			it := q.pop(func(it *item) bool {
				if it.ctx.Err() != nil {
					target = nil
					return true
				}
				n, ok := c.place(it)
				target = n
				return ok
			})
			if it == nil {
				break
			}
			if target == nil {
				it.done <- Outcome{Err: it.ctx.Err()}
				continue
			}
			target.running.Add(1)
			c.running.Add(1)
			if c.hook != nil {
				c.hook(shard, it.c, target.ID)
			}
			go c.run(target, it)
		}
		if c.metrics != nil {
			c.metrics.QueueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(q.depth()))
		}
	}
}

// place returns the node for it: the workflow's owner when it admits and has
// room, or for a new workflow the rendezvous choice among admitting nodes
// with room.
func (c *Cluster) place(it *item) (*Node, bool) {
	if owner, ok := c.router.Owner(it.c.TenantID, it.c.WorkflowID); ok {
		n := c.byID[owner]
		if n != nil && n.monitor.Admit() && n.hasCapacity() {
			return n, true
		}
		return nil, false
	}
	candidates := make([]string, 0, len(c.nodes))
	for _, n := range c.nodes {
		if n.monitor.Admit() && n.hasCapacity() {
			candidates = append(candidates, n.ID)
		}
	}
	owner, ok := c.router.Assign(it.c.TenantID, it.c.WorkflowID, candidates)
	if !ok {
		return nil, false
	}
	return c.byID[owner], true
}

func (c *Cluster) run(n *Node, it *item) {
	defer c.running.Done()
	res, err := n.exec.Execute(it.ctx, it.c)
	n.running.Add(-1)
	if err != nil {
		c.logger.Debug("action returned error",
			zap.String("node", n.ID),
			zap.String("workflow_id", it.c.WorkflowID),
			zap.String("code", perrors.Code(err)),
			zap.Error(err))
	}
	it.done <- Outcome{Result: res, Err: err, Node: n.ID}
	c.signal()
}

// observeAdmission publishes admission flips of every node.
func (c *Cluster) observeAdmission() {
	for _, n := range c.nodes {
		s := n.monitor.Snapshot()
		c.mu.Lock()
		prev, seen := c.admits[n.ID]
		c.admits[n.ID] = s.Admit
		c.mu.Unlock()
		if c.metrics != nil {
			v := 0.0
			if s.Admit {
				v = 1
			}
			c.metrics.NodeAdmit.WithLabelValues(n.ID).Set(v)
		}
		if seen && prev == s.Admit {
			continue
		}
		status := "admit"
		if !s.Admit {
			status = "drain"
		}
		c.sink.Emit(telemetry.Event{Stage: telemetry.StageAdmission, Node: n.ID, Status: status, At: s.At})
	}
}

// NodeHealth is one node's entry in Health.
type NodeHealth struct {
	Snapshot
	Running int `json:"running"`
}

// Health summarises the cluster.
type Health struct {
	Status          string       `json:"status"`
	Shards          int          `json:"shards"`
	QueueDepth      int          `json:"queue_depth"`
	ShardDepths     []int        `json:"shard_depths"`
	PinnedWorkflows int          `json:"pinned_workflows"`
	Nodes           []NodeHealth `json:"nodes"`
}

// Health returns the current snapshot of every node and queue.
func (c *Cluster) Health() Health {
	h := Health{Status: "healthy", Shards: c.cfg.Shards, PinnedWorkflows: c.router.Pinned()}
	c.mu.Lock()
	for _, q := range c.queues {
		d := q.depth()
		h.ShardDepths = append(h.ShardDepths, d)
		h.QueueDepth += d
	}
	c.mu.Unlock()
	for _, n := range c.nodes {
		s := n.monitor.Snapshot()
		if !s.Admit {
			h.Status = "degraded"
		}
		h.Nodes = append(h.Nodes, NodeHealth{Snapshot: s, Running: n.Running()})
	}
	return h
}
