package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/anshveerturna/PredatorBrowser/pkg/audit"
	"github.com/anshveerturna/PredatorBrowser/pkg/breaker"
	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/driver"
	"github.com/anshveerturna/PredatorBrowser/pkg/idempotency"
	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
	"github.com/anshveerturna/PredatorBrowser/pkg/quota"
	"github.com/anshveerturna/PredatorBrowser/pkg/telemetry"
	"github.com/anshveerturna/PredatorBrowser/pkg/tokenbudget"
)

// Execute runs c at most once per canonical action id. A repeated contract
// returns the cached result without touching the driver.
//
// A nil result with an error means nothing was dispatched. Once the driver
// was reached the result is always returned, together with an error only
// when the result could not be fully recorded.
func (e *Engine) Execute(ctx context.Context, c *contract.ActionContract) (*contract.ActionExecutionResult, error) {
	started := e.now()
	if c == nil {
		return nil, perrors.Invalid("", "contract is nil")
	}
	e.emit(telemetry.StageReceived, c, "", nil)

	canon, err := e.deps.Canonicalizer.Canonicalize(c)
	if err != nil {
		e.emit(telemetry.StageRejected, c, "", withError(err))
		return nil, err
	}
	id := canon.ActionID
	e.emit(telemetry.StageCanonicalized, c, id, nil)

	if err := e.admitLimits(c); err != nil {
		e.emit(telemetry.StageRejected, c, id, withError(err))
		return nil, err
	}

	out, err := e.deps.Ledger.GetOrReserve(ctx, id, e.cfg.Policy)
	if err != nil {
		e.emit(telemetry.StageRejected, c, id, withError(err))
		return nil, fmt.Errorf("engine: reserve %s: %w", id, err)
	}
	switch out.Kind {
	case idempotency.Cached:
		e.emit(telemetry.StageCached, c, id, withStatus(string(out.Result.Status)))
		return out.Result, nil
	case idempotency.Conflict:
		e.emit(telemetry.StageRejected, c, id, withError(perrors.ErrConflict))
		return nil, fmt.Errorf("engine: action %s: %w", id, perrors.ErrConflict)
	}
	e.emit(telemetry.StageReserved, c, id, nil)
	stop := e.deps.Ledger.KeepAlive(context.WithoutCancel(ctx), out.Reservation)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	x := e.track(id, cancel)
	defer e.untrack(id)

	r := &run{
		e:       e,
		c:       c,
		canon:   canon,
		res:     out.Reservation,
		renew:   stop,
		x:       x,
		ctx:     runCtx,
		cleanup: context.WithoutCancel(ctx),
		started: started,
	}
	return r.execute()
}

// run carries the state of one reserved execution.
type run struct {
	e       *Engine
	c       *contract.ActionContract
	canon   contract.Canonical
	res     *idempotency.Reservation
	renew   func()
	qres    *quota.Reservation
	permit  *breaker.Permit
	leased  bool
	x       *execution
	ctx     context.Context
	cleanup context.Context
	started time.Time
	budget  int
}

func (r *run) execute() (*contract.ActionExecutionResult, error) {
	e, c := r.e, r.c

	domain := c.TargetDomain()
	permit, err := e.allow(r.ctx, domain)
	if err != nil {
		return r.abort(err)
	}
	r.permit = permit

	leased, err := e.ensureSession(r.ctx, c)
	if err != nil {
		return r.abort(err)
	}
	r.leased = leased

	r.budget = e.budgetFor(c)
	qres, err := e.deps.Quota.ReserveAction(r.ctx, c.TenantID, quota.Demand{
		Actions:       1,
		ArtifactBytes: c.Params.ArtifactBytes,
		StepTokens:    int64(r.budget),
	})
	if err != nil {
		return r.abort(err)
	}
	r.qres = qres

	if len(c.Preconditions) > 0 {
		pre, err := e.deps.Driver.Observe(r.ctx, c.TenantID, c.WorkflowID)
		if err != nil {
			return r.abort(driver.Classify(err, false))
		}
		if check := e.deps.Verifier.Check(c, c.Preconditions, pre); !check.Passed {
			return r.abort(fmt.Errorf("%w: %s", perrors.ErrPrecondition, check.Reason))
		}
	}

	if !r.x.begin() {
		return r.abort(perrors.ErrCanceled)
	}

	r.qres.MarkDispatched()
	e.emit(telemetry.StageDispatched, c, r.canon.ActionID, nil)
	d := r.dispatch(domain, r.permit)
	return r.settle(d)
}

// stopRenewal ends the reservation keep-alive. r.res is stable afterwards.
func (r *run) stopRenewal() {
	if r.renew != nil {
		r.renew()
		r.renew = nil
	}
}

// abort undoes everything taken before dispatch: the breaker permit, a
// session lease taken by this run, the quota holds and the reservation.
// Nothing is audited or cached, so a later Execute of the same contract
// starts fresh.
func (r *run) abort(err error) (*contract.ActionExecutionResult, error) {
	e, id := r.e, r.canon.ActionID
	stage := telemetry.StageRejected
	if r.x.isCanceled() {
		stage = telemetry.StageCanceled
		if !errors.Is(err, perrors.ErrCanceled) {
			err = fmt.Errorf("%w: %v", perrors.ErrCanceled, err)
		}
	}
	r.stopRenewal()
	if r.permit != nil {
		if perr := r.permit.Release(r.cleanup); perr != nil {
			e.logger.Warn("breaker permit release failed", zap.String("domain", r.permit.Domain), zap.Error(perr))
		}
	}
	if r.leased {
		if serr := e.dropSession(r.cleanup, r.c.TenantID, r.c.WorkflowID); serr != nil {
			e.logger.Warn("session release failed", zap.String("action_id", id), zap.Error(serr))
		}
	}
	if qerr := e.deps.Quota.Release(r.cleanup, r.qres); qerr != nil {
		e.logger.Error("quota release failed", zap.String("action_id", id), zap.Error(qerr))
	}
	if lerr := e.deps.Ledger.Cancel(r.cleanup, r.res); lerr != nil && !errors.Is(lerr, idempotency.ErrReservationLost) {
		e.logger.Error("reservation cancel failed", zap.String("action_id", id), zap.Error(lerr))
	}
	e.emit(stage, r.c, id, withError(err))
	e.logger.Info("action aborted before dispatch",
		zap.String("action_id", id),
		zap.String("code", perrors.Code(err)),
		zap.Error(err))
	return nil, err
}

// dispatched is the outcome of the driver phase.
type dispatched struct {
	state     *driver.ObservedState
	err       *perrors.DriverError
	attempts  int
	committed bool
}

func (r *run) dispatch(domain string, permit *breaker.Permit) dispatched {
	e, c, id := r.e, r.c, r.canon.ActionID
	timeout := c.Timeout.Duration(e.cfg.ActionTimeout)
	maxAttempts := e.attemptsFor(c)

	var d dispatched
	err := retry.New(
		retry.Context(r.ctx),
		retry.Attempts(uint(maxAttempts)),
		retry.Delay(e.cfg.InitialBackoff),
		retry.MaxDelay(e.cfg.MaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			de, ok := perrors.AsDriverError(err)
			return ok && de.Transient() && !d.committed
		}),
	).Do(func() error {
		d.attempts++
		if d.attempts > 1 {
			p, err := e.allow(r.ctx, domain)
			if err != nil {
				// The previous attempt's failure stands.
				e.logger.Info("retry refused by breaker", zap.String("action_id", id), zap.Error(err))
				return retry.Unrecoverable(err)
			}
			permit = p
		}

		actx, cancel := context.WithTimeout(r.ctx, timeout)
		s, err := e.deps.Driver.Perform(actx, c)
		cancel()
		if err != nil {
			de := driver.Classify(err, false)
			d.err = de
			d.committed = d.committed || de.Committed
			e.report(r.cleanup, permit, false)
			e.emit(telemetry.StageAttemptFailed, c, id, func(ev *telemetry.Event) {
				ev.Attempt = d.attempts
				ev.Error = de.Error()
				ev.Status = de.FailureCode()
			})
			return de
		}
		d.err = nil
		d.state = s
		d.committed = d.committed || (s != nil && s.Committed)
		e.report(r.cleanup, permit, true)
		return nil
	})
	if err != nil {
		// A breaker refusal or cancellation between attempts leaves the
		// last driver failure in place.
		if d.err == nil {
			d.err = driver.Classify(err, d.committed)
		}
		e.logger.Info("dispatch gave up",
			zap.String("action_id", id),
			zap.Int("attempts", d.attempts),
			zap.String("code", d.err.FailureCode()),
			zap.Error(err))
	}
	if d.err == nil && d.state == nil {
		d.err = &perrors.DriverError{Kind: perrors.DriverUnavailable, Err: errors.New("driver returned no state")}
	}
	return d
}

// settle verifies, trims, audits and publishes the result of a dispatched
// action.
func (r *run) settle(d dispatched) (*contract.ActionExecutionResult, error) {
	e, c, id := r.e, r.c, r.canon.ActionID

	result := &contract.ActionExecutionResult{
		ActionID:   id,
		TenantID:   c.TenantID,
		WorkflowID: c.WorkflowID,
		Kind:       c.Kind,
		Attempts:   d.attempts,
		Committed:  d.committed,
		Node:       e.cfg.NodeID,
	}
	if d.err != nil {
		result.Status = contract.StatusFailed
		result.FailureCode = d.err.FailureCode()
		result.Detail = d.err.Error()
		result.Verification = contract.VerificationOutcome{Reason: "not verified: " + result.FailureCode}
	} else {
		outcome := e.deps.Verifier.Verify(c, d.state)
		result.Verification = outcome
		result.Evidence = evidenceOf(d.state)
		if outcome.Passed {
			result.Status = contract.StatusSucceeded
		} else {
			result.Status = contract.StatusFailed
			result.FailureCode = perrors.CodeVerificationFailed
			result.Detail = outcome.Reason
		}
		e.emit(telemetry.StageVerified, c, id, withStatus(string(result.Status)))
	}

	trimErr := r.trim(result, d.state)

	finished := e.now()
	result.Timing = contract.Timing{
		StartedAt:  r.started.UTC(),
		FinishedAt: finished.UTC(),
		DurationMs: finished.Sub(r.started).Milliseconds(),
	}

	rec, auditErr := e.deps.Trail.Append(r.cleanup, audit.Entry{
		ActionID:   id,
		TenantID:   c.TenantID,
		WorkflowID: c.WorkflowID,
		Actor:      e.cfg.Actor,
		Contract:   r.canon.Bytes,
		Result:     result,
	})
	if auditErr != nil {
		e.logger.Error("audit append failed",
			zap.String("action_id", id),
			zap.String("ledger", c.LedgerKey()),
			zap.Error(auditErr))
	} else {
		e.emit(telemetry.StageAudited, c, id, nil)
	}

	// The result is published even without an audit record so a retry of
	// the same contract cannot repeat the side effect.
	r.stopRenewal()
	if err := e.deps.Ledger.Complete(r.cleanup, r.res, result); err != nil {
		e.logger.Error("result publication failed", zap.String("action_id", id), zap.Error(err))
	}
	if auditErr == nil {
		if err := e.deps.Quota.Record(r.cleanup, rec); err != nil {
			e.logger.Warn("quota usage record failed", zap.String("action_id", id), zap.Error(err))
		}
	}
	if err := e.deps.Quota.Release(r.cleanup, r.qres); err != nil {
		e.logger.Warn("quota release failed", zap.String("action_id", id), zap.Error(err))
	}

	elapsed := finished.Sub(r.started)
	e.emit(telemetry.StageCompleted, c, id, func(ev *telemetry.Event) {
		ev.Status = string(result.Status)
		ev.Attempt = result.Attempts
		ev.Duration = elapsed
		if result.FailureCode != "" {
			ev.Error = result.FailureCode
		}
	})
	if e.metrics != nil {
		e.metrics.ObserveExecution(string(c.Kind), string(result.Status), elapsed.Seconds())
	}
	e.logger.Info("action executed",
		zap.String("action_id", id),
		zap.String("status", string(result.Status)),
		zap.String("failure_code", result.FailureCode),
		zap.Int("attempts", result.Attempts),
		zap.Bool("committed", result.Committed),
		zap.Duration("duration", elapsed))

	switch {
	case auditErr != nil:
		return result, fmt.Errorf("engine: audit %s: %w", id, auditErr)
	case trimErr != nil:
		return result, trimErr
	}
	return result, nil
}

// trim attaches the budgeted state delta. When even the required sections do
// not fit, the result fails with ERR_BUDGET_UNSATISFIABLE and carries no
// payload.
func (r *run) trim(result *contract.ActionExecutionResult, s *driver.ObservedState) error {
	var changed []string
	if s != nil {
		changed = s.ChangedSections
	}
	if changed == nil {
		changed = []string{}
	}

	payload := tokenbudget.FromState(result, s, r.c.Metadata)
	trimmed, report, err := tokenbudget.TrimGroups(payload, r.budget, r.e.cfg.GroupBudgets)
	if err == nil {
		var raw []byte
		raw, err = trimmed.Encode()
		if err == nil {
			result.StateDelta = contract.StateDelta{Changed: changed, Payload: raw, Tokens: report.Tokens, Dropped: report.Notes}
			r.e.emit(telemetry.StageTrimmed, r.c, result.ActionID, nil)
			return nil
		}
	}

	result.Status = contract.StatusFailed
	result.FailureCode = perrors.CodeBudgetUnsatisfiable
	result.Detail = err.Error()
	result.StateDelta = contract.StateDelta{Changed: changed, Tokens: report.Tokens, Dropped: report.Notes}
	r.e.emit(telemetry.StageTrimmed, r.c, result.ActionID, withError(err))
	return err
}

func evidenceOf(s *driver.ObservedState) []contract.Evidence {
	if s == nil || len(s.Artifacts) == 0 {
		return nil
	}
	out := make([]contract.Evidence, 0, len(s.Artifacts))
	for _, a := range s.Artifacts {
		out = append(out, contract.Evidence{Kind: "artifact", Ref: a.ID, Hash: a.Hash, Bytes: a.Bytes})
	}
	return out
}

// budgetFor returns the token budget of c. A budget named by the contract is
// held to the tenant's per-step limit by the quota check; the engine default
// is capped at that limit instead.
func (e *Engine) budgetFor(c *contract.ActionContract) int {
	if c.TokenBudget > 0 {
		return c.TokenBudget
	}
	budget := e.cfg.TokenBudget
	if limit := e.deps.Quota.Limits(c.TenantID).MaxStepTokens; limit > 0 && int(limit) < budget {
		budget = int(limit)
	}
	return budget
}

func (e *Engine) attemptsFor(c *contract.ActionContract) int {
	n := e.cfg.MaxAttempts
	if c.Retry != nil && c.Retry.MaxAttempts > 0 && c.Retry.MaxAttempts < n {
		n = c.Retry.MaxAttempts
	}
	return n
}

// admitLimits rejects contracts the engine cannot run safely: a token budget
// above the engine limit, or a worst-case dispatch (every attempt timing out,
// plus backoff) longer than the idempotency reservation lives unrenewed.
func (e *Engine) admitLimits(c *contract.ActionContract) error {
	if c.TokenBudget > e.cfg.TokenBudget {
		return perrors.Invalid("token_budget", "%d exceeds the engine limit of %d", c.TokenBudget, e.cfg.TokenBudget)
	}
	attempts := e.attemptsFor(c)
	timeout := c.Timeout.Duration(e.cfg.ActionTimeout)
	worst := time.Duration(attempts) * (timeout + e.cfg.MaxBackoff)
	if ttl := e.deps.Ledger.TTL(); worst > ttl {
		return perrors.Invalid("timeout.total_ms", "%d attempts of %s exceed the %s reservation", attempts, timeout, ttl)
	}
	return nil
}

// allow asks the breaker for a permit. Contracts without a target domain
// bypass it.
func (e *Engine) allow(ctx context.Context, domain string) (*breaker.Permit, error) {
	if domain == "" {
		return nil, nil
	}
	return e.deps.Breaker.Allow(ctx, domain)
}

func (e *Engine) report(ctx context.Context, p *breaker.Permit, success bool) {
	if p == nil {
		return
	}
	var err error
	if success {
		err = p.Success(ctx)
	} else {
		err = p.Failure(ctx)
	}
	if err != nil {
		e.logger.Warn("breaker report failed", zap.String("domain", p.Domain), zap.Error(err))
	}
}

// ensureSession renews this node's lease on the workflow session or takes
// a new one. It reports whether the lease was taken by this call.
func (e *Engine) ensureSession(ctx context.Context, c *contract.ActionContract) (bool, error) {
	key := c.LedgerKey()
	e.mu.Lock()
	lease, held := e.sessions[key]
	e.mu.Unlock()

	var err error
	if held {
		lease, err = e.deps.Quota.RenewSession(ctx, lease)
		if errors.Is(err, quota.ErrLeaseLost) {
			held = false
		}
	}
	if !held {
		lease, err = e.deps.Quota.AcquireSession(ctx, c.TenantID, c.WorkflowID, e.cfg.NodeID)
	}
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	e.sessions[key] = lease
	e.mu.Unlock()
	return !held, nil
}

// dropSession returns this node's lease on a workflow session, leaving the
// driver's page open.
func (e *Engine) dropSession(ctx context.Context, tenantID, workflowID string) error {
	key := contract.LedgerKey(tenantID, workflowID)
	e.mu.Lock()
	lease, held := e.sessions[key]
	delete(e.sessions, key)
	e.mu.Unlock()
	if !held {
		return nil
	}
	if err := e.deps.Quota.CloseSession(ctx, lease); err != nil && !errors.Is(err, quota.ErrLeaseLost) {
		return err
	}
	return nil
}

// sessionCloser is implemented by drivers that keep per-workflow pages.
type sessionCloser interface {
	CloseSession(tenantID, workflowID string) error
}

// CloseSession ends the workflow session held by this node and returns its
// session slot to the tenant.
func (e *Engine) CloseSession(ctx context.Context, tenantID, workflowID string) error {
	var errs []error
	if err := e.dropSession(ctx, tenantID, workflowID); err != nil {
		errs = append(errs, err)
	}
	if sc, ok := e.deps.Driver.(sessionCloser); ok {
		if err := sc.CloseSession(tenantID, workflowID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func withError(err error) func(*telemetry.Event) {
	return func(ev *telemetry.Event) {
		ev.Error = err.Error()
		ev.Status = perrors.Code(err)
	}
}

func withStatus(status string) func(*telemetry.Event) {
	return func(ev *telemetry.Event) { ev.Status = status }
}
