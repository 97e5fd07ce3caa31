package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anshveerturna/PredatorBrowser/pkg/audit"
	"github.com/anshveerturna/PredatorBrowser/pkg/breaker"
	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/controlplane"
	"github.com/anshveerturna/PredatorBrowser/pkg/driver"
	"github.com/anshveerturna/PredatorBrowser/pkg/idempotency"
	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
	"github.com/anshveerturna/PredatorBrowser/pkg/quota"
	"github.com/anshveerturna/PredatorBrowser/pkg/telemetry"
)

type harness struct {
	eng     *Engine
	drv     *driver.Scripted
	trail   *audit.Trail
	rec     *telemetry.Recorder
	quotas  *quota.Manager
	breaker *breaker.Breaker
}

type harnessOpts struct {
	limits    quota.Limits
	breaker   breaker.Config
	cfg       Config
	wrap      func(driver.Driver) driver.Driver
	ledgerTTL time.Duration
	metrics   *telemetry.Metrics
}

func newHarness(t *testing.T, mutate ...func(*harnessOpts)) *harness {
	t.Helper()
	o := harnessOpts{
		limits:  quota.DefaultLimits(),
		breaker: breaker.DefaultConfig(),
		cfg: Config{
			NodeID:         "node-a",
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			ActionTimeout:  time.Second,
		},
	}
	for _, m := range mutate {
		m(&o)
	}

	store := controlplane.NewMemoryStore()
	trail := audit.NewTrail(audit.NewMemoryStorage())
	drv := driver.NewScripted()
	var d driver.Driver = drv
	if o.wrap != nil {
		d = o.wrap(drv)
	}
	quotas := quota.NewManager(store, quota.NewProfiles(o.limits))
	brk := breaker.New(store, o.breaker)
	rec := &telemetry.Recorder{}

	ledgerOpts := []idempotency.Option{idempotency.WithResultFinder(trail), idempotency.WithPollInterval(10 * time.Millisecond)}
	if o.ledgerTTL > 0 {
		ledgerOpts = append(ledgerOpts, idempotency.WithReservationTTL(o.ledgerTTL))
	}
	opts := []Option{WithSink(rec)}
	if o.metrics != nil {
		opts = []Option{WithSink(telemetry.Multi(rec, o.metrics)), WithMetrics(o.metrics)}
	}

	eng, err := New(Deps{
		Ledger:  idempotency.New(store, ledgerOpts...),
		Quota:   quotas,
		Breaker: brk,
		Driver:  d,
		Trail:   trail,
	}, o.cfg, opts...)
	require.NoError(t, err)
	return &harness{eng: eng, drv: drv, trail: trail, rec: rec, quotas: quotas, breaker: brk}
}

func click(step int) *contract.ActionContract {
	return &contract.ActionContract{
		TenantID:   "tenant-a",
		WorkflowID: "wf-1",
		StepIndex:  step,
		Kind:       contract.KindClick,
		Domain:     "shop.example.com",
		Params:     contract.Params{Selector: "#buy"},
	}
}

func actionID(t *testing.T, c *contract.ActionContract) string {
	t.Helper()
	canon, err := contract.Canonicalize(c)
	require.NoError(t, err)
	return canon.ActionID
}

func driverErr(kind perrors.DriverErrorKind, committed bool) driver.Step {
	return func(context.Context, *contract.ActionContract) (*driver.ObservedState, error) {
		return nil, &perrors.DriverError{Kind: kind, Committed: committed, Err: errors.New(string(kind))}
	}
}

func TestNew_FailsClosed(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestExecute_Succeeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := click(0)
	id := actionID(t, c)

	res, err := h.eng.Execute(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, id, res.ActionID)
	assert.Equal(t, contract.StatusSucceeded, res.Status)
	assert.True(t, res.Verification.Passed)
	assert.True(t, res.Committed)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "node-a", res.Node)
	assert.NotEmpty(t, res.StateDelta.Payload)
	assert.LessOrEqual(t, res.StateDelta.Tokens, DefaultConfig().TokenBudget)

	rec, err := h.trail.FindByAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a/wf-1", rec.Ledger)

	assert.Equal(t, []telemetry.Stage{
		telemetry.StageCanonicalized,
		telemetry.StageReserved,
		telemetry.StageDispatched,
		telemetry.StageVerified,
		telemetry.StageTrimmed,
		telemetry.StageAudited,
		telemetry.StageCompleted,
	}, h.rec.Stages(id))
	assert.Equal(t, 1, h.eng.ActiveSessions())
	assert.Zero(t, h.eng.InFlight())
}

func TestExecute_ReplayReturnsCachedResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.eng.Execute(ctx, click(0))
	require.NoError(t, err)
	second, err := h.eng.Execute(ctx, click(0))
	require.NoError(t, err)

	assert.Equal(t, first.ActionID, second.ActionID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Attempts, second.Attempts)
	assert.True(t, first.Timing.FinishedAt.Equal(second.Timing.FinishedAt))
	assert.JSONEq(t, string(first.StateDelta.Payload), string(second.StateDelta.Payload))
	assert.Equal(t, 1, h.drv.Calls("wf-1", 0))
	records, err := h.trail.Export(ctx, "tenant-a/wf-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Contains(t, h.rec.Stages(first.ActionID), telemetry.StageCached)
}

func TestExecute_ConcurrentDuplicatesCommitOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.drv.Fallback(func(ctx context.Context, c *contract.ActionContract) (*driver.ObservedState, error) {
		time.Sleep(20 * time.Millisecond)
		return driver.DryRunStep(ctx, c)
	})

	const callers = 8
	results := make([]*contract.ActionExecutionResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.eng.Execute(ctx, click(3))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, h.drv.Commits("wf-1", 3))
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].ActionID, r.ActionID)
		assert.Equal(t, contract.StatusSucceeded, r.Status)
	}
}

func TestExecute_RetriesTransientFailureBeforeCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.drv.Script(driver.ScriptKey("wf-1", 0), driverErr(perrors.DriverTimeout, false))

	res, err := h.eng.Execute(ctx, click(0))
	require.NoError(t, err)
	assert.Equal(t, contract.StatusSucceeded, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, h.drv.Calls("wf-1", 0))
	assert.Contains(t, h.rec.Stages(res.ActionID), telemetry.StageAttemptFailed)
}

func TestExecute_NeverRetriesAfterCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.drv.Script(driver.ScriptKey("wf-1", 0), driverErr(perrors.DriverTimeout, true))

	res, err := h.eng.Execute(ctx, click(0))
	require.NoError(t, err)
	assert.Equal(t, contract.StatusFailed, res.Status)
	assert.Equal(t, "DRIVER_TIMEOUT", res.FailureCode)
	assert.True(t, res.Committed)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, h.drv.Calls("wf-1", 0))
}

func TestExecute_NonTransientFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.drv.Script(driver.ScriptKey("wf-1", 0), driverErr(perrors.DriverElementNotFound, false))

	res, err := h.eng.Execute(ctx, click(0))
	require.NoError(t, err)
	assert.Equal(t, contract.StatusFailed, res.Status)
	assert.Equal(t, "DRIVER_ELEMENT_NOT_FOUND", res.FailureCode)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Verification.Passed)

	_, err = h.trail.FindByAction(ctx, res.ActionID)
	assert.NoError(t, err)
}

func TestExecute_OpenCircuitRejectsWithoutTrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOpts) {
		o.breaker.FailureThreshold = 1
	})
	h.drv.Script(driver.ScriptKey("wf-1", 0), driverErr(perrors.DriverNavigationFailed, false))

	_, err := h.eng.Execute(ctx, click(0))
	require.NoError(t, err)

	c := click(1)
	res, err := h.eng.Execute(ctx, c)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, perrors.ErrCircuitOpen)
	assert.Zero(t, h.drv.Calls("wf-1", 1))

	_, err = h.trail.FindByAction(ctx, actionID(t, c))
	assert.ErrorIs(t, err, audit.ErrNotFound)
	assert.Contains(t, h.rec.Stages(actionID(t, c)), telemetry.StageRejected)
}

func TestExecute_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOpts) {
		o.limits.MaxActionsPerMinute = 1
	})

	_, err := h.eng.Execute(ctx, click(0))
	require.NoError(t, err)

	_, err = h.eng.Execute(ctx, click(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrQuotaExceeded)
	assert.Equal(t, perrors.CodeQuotaExceeded, perrors.Code(err))
	assert.Zero(t, h.drv.Calls("wf-1", 1))
}

func TestExecute_PreconditionFailureReleasesSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := click(0)
	c.Preconditions = []contract.Rule{{Type: contract.RuleElementPresent, Selector: "#cart"}}

	_, err := h.eng.Execute(ctx, c)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrPrecondition)
	assert.Zero(t, h.drv.Calls("wf-1", 0))

	h.drv.ObserveWith(&driver.ObservedState{
		URL:      "https://shop.example.com/",
		Elements: []driver.Element{{EID: "e1", Selector: "#cart", Visible: true}},
	})
	res, err := h.eng.Execute(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusSucceeded, res.Status)
}

func TestExecute_VerificationFailureIsAResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.drv.Script(driver.ScriptKey("wf-1", 0), func(context.Context, *contract.ActionContract) (*driver.ObservedState, error) {
		return &driver.ObservedState{URL: "https://shop.example.com/"}, nil
	})

	res, err := h.eng.Execute(ctx, click(0))
	require.NoError(t, err)
	assert.Equal(t, contract.StatusFailed, res.Status)
	assert.Equal(t, perrors.CodeVerificationFailed, res.FailureCode)
	assert.False(t, res.Verification.Passed)
	assert.NotEmpty(t, res.Verification.Reason)

	_, err = h.trail.FindByAction(ctx, res.ActionID)
	assert.NoError(t, err)
}

func TestExecute_BudgetUnsatisfiable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOpts) {
		o.cfg.TokenBudget = 5
	})

	res, err := h.eng.Execute(ctx, click(0))
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrBudgetUnsatisfiable)
	require.NotNil(t, res)
	assert.Equal(t, contract.StatusFailed, res.Status)
	assert.Equal(t, perrors.CodeBudgetUnsatisfiable, res.FailureCode)
	assert.Empty(t, res.StateDelta.Payload)

	again, err := h.eng.Execute(ctx, click(0))
	require.NoError(t, err)
	assert.Equal(t, res.FailureCode, again.FailureCode)
	assert.Equal(t, 1, h.drv.Calls("wf-1", 0))
}

func TestExecute_RetryOverrideNarrowsAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.drv.Script(driver.ScriptKey("wf-1", 0),
		driverErr(perrors.DriverTimeout, false),
		driverErr(perrors.DriverTimeout, false))
	c := click(0)
	c.Retry = &contract.RetryOverride{MaxAttempts: 1}

	res, err := h.eng.Execute(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "DRIVER_TIMEOUT", res.FailureCode)
}

// gated blocks Observe or Perform until released.
type gated struct {
	driver.Driver
	entered chan struct{}
	release chan struct{}
	observe bool
}

func newGated(next driver.Driver, observe bool) *gated {
	return &gated{Driver: next, entered: make(chan struct{}, 1), release: make(chan struct{}), observe: observe}
}

func (g *gated) wait(ctx context.Context) error {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gated) Observe(ctx context.Context, tenantID, workflowID string) (*driver.ObservedState, error) {
	if g.observe {
		if err := g.wait(ctx); err != nil {
			return nil, err
		}
	}
	return &driver.ObservedState{Elements: []driver.Element{{EID: "e1", Selector: "#cart"}}}, nil
}

func (g *gated) Perform(ctx context.Context, c *contract.ActionContract) (*driver.ObservedState, error) {
	if !g.observe {
		if err := g.wait(ctx); err != nil {
			return nil, err
		}
	}
	return g.Driver.Perform(ctx, c)
}

func TestCancel_BeforeDispatch(t *testing.T) {
	ctx := context.Background()
	var g *gated
	h := newHarness(t, func(o *harnessOpts) {
		o.wrap = func(d driver.Driver) driver.Driver {
			g = newGated(d, true)
			return g
		}
	})
	c := click(0)
	c.Preconditions = []contract.Rule{{Type: contract.RuleElementPresent, Selector: "#cart"}}
	id := actionID(t, c)

	errc := make(chan error, 1)
	go func() {
		_, err := h.eng.Execute(ctx, c)
		errc <- err
	}()
	<-g.entered
	require.NoError(t, h.eng.Cancel(ctx, id))

	err := <-errc
	assert.ErrorIs(t, err, perrors.ErrCanceled)
	assert.Equal(t, perrors.CodeCanceled, perrors.Code(err))
	assert.Zero(t, h.drv.Calls("wf-1", 0))
	assert.Contains(t, h.rec.Stages(id), telemetry.StageCanceled)
	assert.ErrorIs(t, h.eng.Cancel(ctx, id), ErrNotInFlight)

	// The slot was released: the same contract runs on the next call.
	close(g.release)
	res, err := h.eng.Execute(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusSucceeded, res.Status)
}

func TestCancel_AfterDispatchIsRefused(t *testing.T) {
	ctx := context.Background()
	var g *gated
	h := newHarness(t, func(o *harnessOpts) {
		o.wrap = func(d driver.Driver) driver.Driver {
			g = newGated(d, false)
			return g
		}
	})
	c := click(0)
	id := actionID(t, c)

	done := make(chan *contract.ActionExecutionResult, 1)
	go func() {
		res, err := h.eng.Execute(ctx, c)
		assert.NoError(t, err)
		done <- res
	}()
	<-g.entered
	assert.ErrorIs(t, h.eng.Cancel(ctx, id), perrors.ErrCancelNotPermitted)
	close(g.release)

	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, contract.StatusSucceeded, res.Status)
}

func TestCloseSession_ReturnsSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOpts) {
		o.limits.MaxConcurrentSessions = 1
	})

	_, err := h.eng.Execute(ctx, click(0))
	require.NoError(t, err)

	other := click(0)
	other.WorkflowID = "wf-2"
	_, err = h.eng.Execute(ctx, other)
	require.ErrorIs(t, err, perrors.ErrQuotaExceeded)

	require.NoError(t, h.eng.CloseSession(ctx, "tenant-a", "wf-1"))
	assert.Zero(t, h.eng.ActiveSessions())

	_, err = h.eng.Execute(ctx, other)
	require.NoError(t, err)
}

func TestExecute_SlowActionKeepsItsReservation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOpts) {
		o.ledgerTTL = 100 * time.Millisecond
		o.cfg.MaxAttempts = 1
		o.cfg.MaxBackoff = time.Millisecond
	})
	// The page keeps working well past the attempt timeout and the
	// reservation TTL.
	h.drv.Fallback(func(_ context.Context, c *contract.ActionContract) (*driver.ObservedState, error) {
		time.Sleep(300 * time.Millisecond)
		return driver.DryRunStep(context.Background(), c)
	})
	c := click(0)
	c.Timeout.TotalMs = 40

	first := make(chan *contract.ActionExecutionResult, 1)
	go func() {
		res, err := h.eng.Execute(ctx, c)
		assert.NoError(t, err)
		first <- res
	}()
	time.Sleep(150 * time.Millisecond)

	second, err := h.eng.Execute(ctx, c)
	require.NoError(t, err)
	res := <-first
	require.NotNil(t, res)
	assert.Equal(t, res.ActionID, second.ActionID)
	assert.Equal(t, 1, h.drv.Calls("wf-1", 0))
	assert.Equal(t, 1, h.drv.Commits("wf-1", 0))

	records, err := h.trail.Export(ctx, "tenant-a/wf-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestExecute_RejectsTimeoutBeyondReservation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOpts) {
		o.ledgerTTL = time.Minute
	})
	c := click(0)
	c.Timeout.TotalMs = (10 * time.Minute).Milliseconds()

	res, err := h.eng.Execute(ctx, c)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, perrors.ErrValidation)
	assert.Zero(t, h.drv.Calls("wf-1", 0))

	// Nothing was reserved: the same action runs once it fits.
	c.Timeout.TotalMs = 500
	res, err = h.eng.Execute(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusSucceeded, res.Status)
}

func TestExecute_OpenCircuitTakesNoSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOpts) {
		o.limits.MaxConcurrentSessions = 1
		o.breaker.FailureThreshold = 1
	})
	h.drv.Script(driver.ScriptKey("wf-1", 0), driverErr(perrors.DriverNavigationFailed, false))
	_, err := h.eng.Execute(ctx, click(0))
	require.NoError(t, err)
	require.NoError(t, h.eng.CloseSession(ctx, "tenant-a", "wf-1"))

	blocked := click(0)
	blocked.WorkflowID = "wf-2"
	_, err = h.eng.Execute(ctx, blocked)
	require.ErrorIs(t, err, perrors.ErrCircuitOpen)

	healthy := click(0)
	healthy.WorkflowID = "wf-3"
	healthy.Domain = "docs.example.org"
	res, err := h.eng.Execute(ctx, healthy)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusSucceeded, res.Status)
}

func TestExecute_RejectionReturnsSessionTakenByTheRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOpts) {
		o.limits.MaxConcurrentSessions = 1
	})

	gatedOut := click(0)
	gatedOut.WorkflowID = "wf-2"
	gatedOut.Preconditions = []contract.Rule{{Type: contract.RuleElementPresent, Selector: "#cart"}}
	_, err := h.eng.Execute(ctx, gatedOut)
	require.ErrorIs(t, err, perrors.ErrPrecondition)
	assert.Zero(t, h.eng.ActiveSessions())

	usage, err := h.quotas.Usage(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Zero(t, usage.Sessions)

	other := click(0)
	other.WorkflowID = "wf-3"
	res, err := h.eng.Execute(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusSucceeded, res.Status)
}

func TestExecute_RejectionKeepsEarlierSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOpts) {
		o.limits.MaxConcurrentSessions = 1
	})
	_, err := h.eng.Execute(ctx, click(0))
	require.NoError(t, err)

	c := click(1)
	c.Preconditions = []contract.Rule{{Type: contract.RuleElementPresent, Selector: "#cart"}}
	_, err = h.eng.Execute(ctx, c)
	require.ErrorIs(t, err, perrors.ErrPrecondition)
	assert.Equal(t, 1, h.eng.ActiveSessions(), "the lease predates the rejected action")
}

func TestExecute_TokenBudgetAboveTenantLimitIsDenied(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *harnessOpts) {
		o.limits.MaxStepTokens = 500
	})
	c := click(0)
	c.TokenBudget = 800

	_, err := h.eng.Execute(ctx, c)
	require.Error(t, err)
	var qe *perrors.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, string(quota.ResourceStepTokens), qe.Resource)
	assert.Equal(t, int64(500), qe.Limit)
	assert.Zero(t, h.drv.Calls("wf-1", 0))

	c.TokenBudget = 400
	res, err := h.eng.Execute(ctx, c)
	require.NoError(t, err)
	assert.LessOrEqual(t, res.StateDelta.Tokens, 400)
}

func TestExecute_TokenBudgetAboveEngineLimitIsInvalid(t *testing.T) {
	h := newHarness(t)
	c := click(0)
	c.TokenBudget = DefaultConfig().TokenBudget + 1

	_, err := h.eng.Execute(context.Background(), c)
	assert.ErrorIs(t, err, perrors.ErrValidation)
}

func TestExecute_StagesCountedOnce(t *testing.T) {
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, func(o *harnessOpts) { o.metrics = m })

	_, err := h.eng.Execute(context.Background(), click(0))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageTotal.WithLabelValues(string(telemetry.StageDispatched), "")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ExecutionDuration))
}

func TestExecute_CancelDuringBackoffKeepsLastFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, func(o *harnessOpts) {
		o.cfg.InitialBackoff = time.Second
		o.cfg.MaxBackoff = time.Second
	})
	h.drv.Script(driver.ScriptKey("wf-1", 0), func(context.Context, *contract.ActionContract) (*driver.ObservedState, error) {
		cancel()
		return nil, &perrors.DriverError{Kind: perrors.DriverTimeout, Err: errors.New("slow page")}
	})

	res, err := h.eng.Execute(ctx, click(0))
	require.NoError(t, err)
	assert.Equal(t, contract.StatusFailed, res.Status)
	assert.Equal(t, "DRIVER_TIMEOUT", res.FailureCode)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, h.drv.Calls("wf-1", 0))
}
