// Package executor runs one task step: skill resolution, the approval gate,
// the action call with timeout and retry, and all-or-nothing settlement of
// the step's cost against the wallet and the employee's salary budget.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zulandar/workforce/internal/approval"
	"github.com/zulandar/workforce/internal/billing"
	"github.com/zulandar/workforce/internal/config"
	"github.com/zulandar/workforce/internal/employee"
	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/llm"
	"github.com/zulandar/workforce/internal/logging"
	"github.com/zulandar/workforce/internal/metering"
	"github.com/zulandar/workforce/internal/metrics"
	"github.com/zulandar/workforce/internal/models"
	"github.com/zulandar/workforce/internal/notify"
	"github.com/zulandar/workforce/internal/schema"
	"github.com/zulandar/workforce/internal/skill"
	"github.com/zulandar/workforce/internal/task"
	"gorm.io/gorm"
)

// Options configures an Executor. DB, Actions and Model are required.
type Options struct {
	DB       *gorm.DB
	Actions  *skill.Actions
	Model    llm.Invoker
	Pricing  llm.Pricing
	Steps    config.StepsConfig
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

// Executor executes task steps. It is safe for concurrent use.
type Executor struct {
	db       *gorm.DB
	actions  *skill.Actions
	metering metering.Options
	steps    config.StepsConfig
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates an Executor.
func New(opts Options) (*Executor, error) {
	if opts.DB == nil || opts.Actions == nil || opts.Model == nil {
		return nil, fmt.Errorf("executor: db, actions and model are required")
	}
	e := &Executor{
		db:      opts.DB,
		actions: opts.Actions,
		metering: metering.Options{
			DB:      opts.DB,
			Model:   opts.Model,
			Pricing: opts.Pricing,
			Metrics: opts.Metrics,
			Hold:    opts.Steps.HoldPerCall,
		},
		steps:    opts.Steps,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		log:      opts.Log,
		sleep:    sleepCtx,
	}
	if e.log == nil {
		e.log = logging.Discard()
	}
	if e.notifier == nil {
		e.notifier = notify.LogNotifier{Log: e.log}
	}
	return e, nil
}

// Result is the outcome of one Execute call.
type Result struct {
	StepID   uint
	Status   string // a task.Step* status
	Output   json.RawMessage
	Cost     int64
	Tokens   int64
	Attempts int
	AuditID  string
	Err      error // cause of a failed or rejected step
}

// Execute runs the step with the given ID. Step-level failures are reported
// in Result (Status failed or rejected, Err set); the returned error is
// reserved for failures to read or record step state.
//
// A step that needs approval and has none yet gets exactly one audit entry,
// is left awaiting_approval and nothing is charged. Calling Execute again
// after the decision resumes it.
func (e *Executor) Execute(ctx context.Context, stepID uint) (*Result, error) {
	step, err := task.GetStep(e.db, stepID)
	if err != nil {
		return nil, err
	}
	if task.StepDone(step.Status) {
		return &Result{StepID: step.ID, Status: step.Status, Output: json.RawMessage(step.Output), Attempts: step.Attempt, AuditID: step.AuditID}, nil
	}
	t, err := task.Get(e.db, step.TaskID)
	if err != nil {
		return nil, err
	}
	emp, err := employee.Get(e.db, t.EmployeeID)
	if err != nil {
		return nil, err
	}

	def, err := skill.Resolve(e.db, step.SkillKey)
	if err != nil {
		return e.fail(step, emp, err, time.Now())
	}
	action, ok := e.actions.Lookup(def.ActionName)
	if !ok {
		return e.fail(step, emp, fault.New(fault.SkillResolution, "executor: resolve action",
			"skill %q: action %q is not registered", def.Key, def.ActionName), time.Now())
	}
	if err := skill.ValidateParams(def, step.Input); err != nil {
		return e.fail(step, emp, err, time.Now())
	}
	args := map[string]interface{}{}
	if !schema.Empty(step.Input) {
		if err := json.Unmarshal(step.Input, &args); err != nil {
			return e.fail(step, emp, fault.New(fault.Validation, "executor: decode input", "step %d: %v", step.ID, err), time.Now())
		}
	}

	var audit *models.ToolAuditLog
	if e.steps.RequiresApproval(def.RiskLevel) {
		var res *Result
		audit, res, err = e.gate(ctx, step, emp, def)
		if err != nil || res != nil {
			return res, err
		}
	}
	return e.run(ctx, step, emp, def, action, args, audit)
}

// gate applies the approval check. It returns a non-nil Result when the step
// must stop here (awaiting or rejected) and the approved audit entry when the
// step may proceed.
func (e *Executor) gate(ctx context.Context, step *models.TaskStep, emp *models.Employee, def *models.SkillDefinition) (*models.ToolAuditLog, *Result, error) {
	audit, err := approval.ForStep(e.db, step.ID)
	if err != nil {
		return nil, nil, err
	}
	if audit == nil {
		var created bool
		audit, created, err = approval.Request(e.db, approval.RequestOpts{
			TaskID:     step.TaskID,
			StepID:     step.ID,
			EmployeeID: emp.ID,
			ToolName:   def.Key,
			RiskLevel:  def.RiskLevel,
			Input:      step.Input,
		})
		if err != nil {
			return nil, nil, err
		}
		if created {
			e.log.Info("step awaiting approval", "task", step.TaskID, "step", step.ID, "skill", def.Key, "audit", audit.ID)
			if nerr := e.notifier.Notify(ctx, notify.ApprovalRequested(audit)); nerr != nil {
				e.log.Warn("approval notification failed", "audit", audit.ID, "error", nerr)
			}
			e.refreshPending()
		}
	}

	switch audit.Status {
	case approval.StatusPending:
		if err := task.UpdateStep(e.db, step.ID, map[string]interface{}{
			"status":   task.StepAwaitingApproval,
			"audit_id": audit.ID,
		}); err != nil {
			return nil, nil, err
		}
		return nil, &Result{StepID: step.ID, Status: task.StepAwaitingApproval, AuditID: audit.ID}, nil
	case approval.StatusRejected:
		cause := fault.New(fault.ApprovalRejected, "executor: approval",
			"%s rejected by %s: %s", def.Key, audit.Approver, audit.RejectionReason)
		now := time.Now()
		if err := task.UpdateStep(e.db, step.ID, map[string]interface{}{
			"status":        task.StepRejected,
			"audit_id":      audit.ID,
			"error_kind":    string(fault.ApprovalRejected),
			"error_message": cause.Error(),
			"finished_at":   now,
		}); err != nil {
			return nil, nil, err
		}
		if err := employee.RecordOutcome(e.db, emp.ID, false); err != nil {
			e.log.Warn("record outcome failed", "employee", emp.ID, "error", err)
		}
		e.metrics.RecordStep(def.Key, task.StepRejected, string(fault.ApprovalRejected), 0)
		e.refreshPending()
		return nil, &Result{StepID: step.ID, Status: task.StepRejected, AuditID: audit.ID, Err: cause}, nil
	}
	e.refreshPending()
	return audit, nil, nil
}

// run executes an authorized step with retry, then settles it.
func (e *Executor) run(ctx context.Context, step *models.TaskStep, emp *models.Employee, def *models.SkillDefinition,
	action skill.Action, args map[string]interface{}, audit *models.ToolAuditLog) (*Result, error) {
	start := time.Now()
	if err := employee.Acquire(e.db, emp.ID); err != nil {
		return e.fail(step, emp, err, start)
	}
	defer func() {
		if err := employee.Release(e.db, emp.ID); err != nil {
			e.log.Warn("release employee failed", "employee", emp.ID, "error", err)
		}
	}()

	updates := map[string]interface{}{"status": task.StepRunning, "started_at": start}
	if audit != nil {
		updates["audit_id"] = audit.ID
	}
	if err := task.UpdateStep(e.db, step.ID, updates); err != nil {
		return nil, err
	}
	// Holds left by an attempt that never settled, e.g. a crashed worker.
	if n, err := metering.ReleaseHolds(e.db, emp.WalletID, billing.StepPrefix(step.ID)); err != nil {
		return nil, err
	} else if n > 0 {
		e.log.Warn("released stale step holds", "step", step.ID, "amount", n)
	}

	maxAttempts := e.steps.MaxAttempts
	if def.MaxAttempts > 0 {
		maxAttempts = def.MaxAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		attempt := step.Attempt + 1
		step.Attempt = attempt
		if err := task.UpdateStep(e.db, step.ID, map[string]interface{}{"attempt": attempt}); err != nil {
			return nil, err
		}

		ref := billing.StepRef(step.ID, attempt)
		ref.Remark = fmt.Sprintf("%s for task %s", def.Key, step.TaskID)
		m := metering.New(e.metering, metering.Scope{
			Purpose:    metering.PurposeStep,
			TaskID:     step.TaskID,
			StepID:     step.ID,
			EmployeeID: emp.ID,
			AgentID:    emp.AgentID,
			WalletID:   emp.WalletID,
			Attempt:    attempt,
			Ref:        ref,
		})
		out, err := e.invoke(ctx, action, def, args, m)
		if err == nil {
			res, serr := e.settle(step, emp, def, audit, attempt, out, m, start)
			if serr == nil {
				return res, nil
			}
			e.release(m, step)
			lastErr = serr
			break
		}
		e.release(m, step)
		lastErr = err
		if fault.Is(err, fault.Persistence) {
			return nil, err
		}
		if !fault.Is(err, fault.ExternalCall) || i == maxAttempts-1 {
			break
		}
		wait := backoff(i, e.steps.InitialBackoff, e.steps.MaxBackoff)
		e.log.Warn("step attempt failed, retrying", "step", step.ID, "skill", def.Key, "attempt", attempt, "wait", wait, "error", err)
		if serr := e.sleep(ctx, wait); serr != nil {
			lastErr = fault.Wrap(fault.Cancelled, "executor: retry", serr)
			break
		}
	}
	return e.fail(step, emp, lastErr, start)
}

type callResult struct {
	out interface{}
	err error
}

// invoke runs the action under the per-call timeout. The worker stops
// waiting at the deadline even if the action ignores its context.
func (e *Executor) invoke(ctx context.Context, action skill.Action, def *models.SkillDefinition,
	args map[string]interface{}, m llm.Invoker) ([]byte, error) {
	op := "executor: " + def.Key
	callCtx := ctx
	cancel := func() {}
	if e.steps.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.steps.CallTimeout)
	}
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fault.New(fault.Internal, op, "action panicked: %v", r)}
			}
		}()
		out, err := action.Run(callCtx, skill.Call{Skill: def, Args: args, Model: m})
		done <- callResult{out: out, err: err}
	}()

	var r callResult
	select {
	case r = <-done:
	case <-callCtx.Done():
		r = callResult{err: callCtx.Err()}
	}

	if r.err != nil {
		switch {
		case fault.KindOf(r.err) != fault.Internal:
			return nil, r.err
		case ctx.Err() != nil:
			return nil, fault.Wrap(fault.Cancelled, op, r.err)
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return nil, fault.Wrap(fault.Timeout, op, r.err)
		case errors.Is(r.err, context.DeadlineExceeded):
			return nil, fault.Wrap(fault.Timeout, op, r.err)
		}
		var fe *fault.Error
		if errors.As(r.err, &fe) {
			return nil, r.err
		}
		return nil, fault.Wrap(fault.ExternalCall, op, r.err)
	}

	raw, err := json.Marshal(r.out)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op+": encode output", err)
	}
	return raw, nil
}

// settle charges the attempt and records success in one transaction: the
// hold release, the wallet debit, the salary charge, the step row and the
// audit entry all commit together or not at all.
func (e *Executor) settle(step *models.TaskStep, emp *models.Employee, def *models.SkillDefinition,
	audit *models.ToolAuditLog, attempt int, out []byte, m *metering.Meter, start time.Time) (*Result, error) {
	finished := time.Now()
	duration := finished.Sub(start)

	var bill metering.Bill
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var err error
		if bill, err = m.Settle(tx); err != nil {
			return err
		}
		if err := task.UpdateStep(tx, step.ID, map[string]interface{}{
			"status":        task.StepSucceeded,
			"output":        out,
			"duration_ms":   duration.Milliseconds(),
			"finished_at":   finished,
			"error_kind":    "",
			"error_message": "",
		}); err != nil {
			return err
		}
		if audit != nil && audit.Status == approval.StatusApproved {
			return approval.MarkExecuted(tx, audit.ID, json.RawMessage(out))
		}
		return nil
	})
	if err != nil {
		if bill.SalaryBreached {
			e.suspend(emp.ID)
		}
		return nil, err
	}
	cost, tokens := bill.Cost, bill.Tokens

	if err := employee.RecordOutcome(e.db, emp.ID, true); err != nil {
		e.log.Warn("record outcome failed", "employee", emp.ID, "error", err)
	}
	e.metrics.RecordStep(def.Key, task.StepSucceeded, "", duration)
	e.metrics.RecordCharge(cost, tokens)
	e.log.Info("step succeeded", "task", step.TaskID, "step", step.ID, "skill", def.Key,
		"attempt", attempt, "cost", cost, "tokens", tokens, "duration", duration)

	res := &Result{
		StepID:   step.ID,
		Status:   task.StepSucceeded,
		Output:   json.RawMessage(out),
		Cost:     cost,
		Tokens:   tokens,
		Attempts: attempt,
	}
	if audit != nil {
		res.AuditID = audit.ID
	}
	return res, nil
}

// release returns an unsettled attempt's holds to the wallet.
func (e *Executor) release(m *metering.Meter, step *models.TaskStep) {
	if _, err := m.Release(); err != nil {
		e.log.Warn("release step holds failed", "step", step.ID, "attempt", step.Attempt, "error", err)
	}
}

// suspend re-applies a budget suspension after the settling transaction that
// detected it rolled back.
func (e *Executor) suspend(employeeID string) {
	if err := employee.Suspend(e.db, employeeID); err != nil {
		e.log.Warn("suspend employee failed", "employee", employeeID, "error", err)
		return
	}
	emp, err := employee.Get(e.db, employeeID)
	if err != nil {
		return
	}
	e.log.Warn("employee suspended", "employee", employeeID, "used", emp.SalaryTokenUsed, "limit", emp.SalaryTokenLimit)
	if nerr := e.notifier.Notify(context.Background(), notify.EmployeeSuspended(emp)); nerr != nil {
		e.log.Warn("suspension notification failed", "employee", employeeID, "error", nerr)
	}
}

// fail records a failed step.
func (e *Executor) fail(step *models.TaskStep, emp *models.Employee, cause error, start time.Time) (*Result, error) {
	kind := fault.KindOf(cause)
	finished := time.Now()
	duration := finished.Sub(start)
	if err := task.UpdateStep(e.db, step.ID, map[string]interface{}{
		"status":        task.StepFailed,
		"error_kind":    string(kind),
		"error_message": cause.Error(),
		"duration_ms":   duration.Milliseconds(),
		"finished_at":   finished,
	}); err != nil {
		return nil, err
	}
	if err := employee.RecordOutcome(e.db, emp.ID, false); err != nil {
		e.log.Warn("record outcome failed", "employee", emp.ID, "error", err)
	}
	e.metrics.RecordStep(step.SkillKey, task.StepFailed, string(kind), duration)
	e.log.Warn("step failed", "task", step.TaskID, "step", step.ID, "skill", step.SkillKey,
		"attempt", step.Attempt, "kind", kind, "error", cause)
	return &Result{StepID: step.ID, Status: task.StepFailed, Attempts: step.Attempt, AuditID: step.AuditID, Err: cause}, nil
}

func (e *Executor) refreshPending() {
	if e.metrics == nil {
		return
	}
	if n, err := approval.CountPending(e.db); err == nil {
		e.metrics.SetApprovalsPending(n)
	}
}
