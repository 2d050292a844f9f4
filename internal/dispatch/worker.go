package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/zulandar/workforce/internal/executor"
	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/job"
	"github.com/zulandar/workforce/internal/models"
	"github.com/zulandar/workforce/internal/task"
	"golang.org/x/sync/errgroup"
)

// worker dequeues until ctx is done. Each task is processed under work,
// which outlives ctx so that a drain lets held tasks finish.
func (e *Engine) worker(ctx, work context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			if ctx.Err() != nil {
				// Left for restart recovery.
				e.release(id)
				return
			}
			e.handle(work, id)
		}
	}
}

// handle processes one queue item with panic isolation.
func (e *Engine) handle(ctx context.Context, id string) {
	if !e.claim(id) {
		return
	}
	defer func() {
		if e.release(id) {
			if err := e.enqueue(id, false); err != nil {
				e.log.Warn("resume deferred to poll", "task", id, "error", err)
			}
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task panicked", "task", id, "panic", r, "stack", string(debug.Stack()))
			e.failTask(ctx, id, fault.New(fault.Internal, "dispatch: worker", "panic: %v", r))
		}
	}()

	if err := e.process(ctx, id); err != nil {
		if fault.Is(err, fault.Persistence) {
			// Left in its last committed state; the poll loop retries it.
			e.log.Error("task interrupted", "task", id, "error", err)
			return
		}
		e.failTask(ctx, id, err)
	}
}

// process drives a task from its persisted status: plan it if needed, then
// run steps until it is terminal or parked on an approval.
func (e *Engine) process(ctx context.Context, id string) error {
	t, err := task.Get(e.db, id)
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			e.log.Warn("dequeued unknown task", "task", id)
			return nil
		}
		return err
	}

	switch t.Status {
	case task.StatusCreated:
		if err := task.Transition(e.db, id, task.StatusPlanning, nil); err != nil {
			return e.lostRace(id, err)
		}
		fallthrough
	case task.StatusPlanning:
		if err := e.plan(ctx, t); err != nil {
			return err
		}
	case task.StatusRunning:
	default:
		return nil
	}
	return e.drive(ctx, id)
}

// plan snapshots the job's step sequence onto the task and starts it. A
// task interrupted after its steps were written is not planned twice.
func (e *Engine) plan(ctx context.Context, t *models.Task) error {
	def, err := job.Resolve(e.db, t.JobKey)
	if err != nil {
		return err
	}
	steps := t.Steps
	if len(steps) == 0 {
		specs, err := e.planner.PlanTask(ctx, t, def)
		if err != nil {
			return err
		}
		if steps, err = task.AppendSteps(e.db, t.ID, specs); err != nil {
			return err
		}
	}

	plan := make([]planEntry, 0, len(steps))
	for _, s := range steps {
		plan = append(plan, planEntry{Index: s.StepIndex, Skill: s.SkillKey, Group: s.Group})
	}
	raw, err := json.Marshal(map[string]interface{}{"job_version": def.Version, "steps": plan})
	if err != nil {
		return fault.Wrap(fault.Internal, "dispatch: plan", err)
	}
	if err := task.Transition(e.db, t.ID, task.StatusRunning, map[string]interface{}{
		"plan_data":   raw,
		"job_version": def.Version,
	}); err != nil {
		return e.lostRace(t.ID, err)
	}
	e.log.Info("task planned", "task", t.ID, "job", def.Key, "steps", len(steps))
	return nil
}

type planEntry struct {
	Index int    `json:"index"`
	Skill string `json:"skill"`
	Group int    `json:"group,omitempty"`
}

// lostRace turns a transition conflict caused by a concurrent cancel into a
// clean stop. Steps written after the cancel swept the task are skipped.
func (e *Engine) lostRace(id string, err error) error {
	if status, serr := task.Status(e.db, id); serr == nil && status == task.StatusCancelled {
		if _, err := task.SkipPending(e.db, id); err != nil {
			return fault.Wrap(fault.Persistence, "dispatch: cancel", err)
		}
		return errCancelled
	}
	return err
}

var errCancelled = fault.New(fault.Cancelled, "dispatch", "task cancelled")

// drive executes the task's remaining steps in index order. Failure
// handling reads persisted step state, so a task resumed after a restart
// fails or replans exactly as it would have in one run.
func (e *Engine) drive(ctx context.Context, id string) error {
	allowed := e.replanBudget(id)
	for {
		status, err := task.Status(e.db, id)
		if err != nil {
			return err
		}
		if status != task.StatusRunning {
			if status == task.StatusCancelled {
				if _, err := task.SkipPending(e.db, id); err != nil {
					return fault.Wrap(fault.Persistence, "dispatch: cancel", err)
				}
				e.log.Info("task cancelled", "task", id)
			}
			return nil
		}

		steps, err := task.Steps(e.db, id)
		if err != nil {
			return fault.Wrap(fault.Persistence, "dispatch: steps", err)
		}
		if f := fatalFailure(steps, allowed); f != nil {
			return e.fail(ctx, id, stepError(f))
		}
		batch := nextBatch(steps, e.parallel)
		if len(batch) == 0 {
			return e.complete(ctx, id, steps)
		}

		results, err := e.runBatch(ctx, batch)
		if err != nil {
			return err
		}

		parked := false
		var failed *executor.Result
		for _, r := range results {
			switch r.Status {
			case task.StepAwaitingApproval:
				parked = true
			case task.StepFailed, task.StepRejected:
				if failed == nil {
					failed = r
				}
			}
		}
		if failed != nil {
			if e.replan(ctx, id, steps, failed, allowed) {
				continue
			}
			return e.fail(ctx, id, failed.Err)
		}
		if parked {
			e.log.Info("task parked on approval", "task", id)
			return nil
		}
		if _, err := task.UpdateProgress(e.db, id); err != nil {
			return fault.Wrap(fault.Persistence, "dispatch: progress", err)
		}
	}
}

// fatalFailure returns the step that ends the task: any rejected step, or
// the latest failed step once failures outnumber the replans allowed.
func fatalFailure(steps []models.TaskStep, allowed int) *models.TaskStep {
	var last *models.TaskStep
	failures := 0
	for i := range steps {
		switch steps[i].Status {
		case task.StepRejected:
			return &steps[i]
		case task.StepFailed:
			failures++
			last = &steps[i]
		}
	}
	if failures > allowed {
		return last
	}
	return nil
}

// stepError rebuilds a step's recorded failure as an error.
func stepError(s *models.TaskStep) error {
	kind := fault.Kind(s.ErrorKind)
	if kind == "" {
		kind = fault.Internal
	}
	return fault.New(kind, fmt.Sprintf("step %d (%s)", s.StepIndex, s.SkillKey), "%s", s.ErrorMessage)
}

// nextBatch returns the next steps to run: the first unfinished step, plus
// the unfinished steps sharing its non-zero group when parallel execution is
// enabled.
func nextBatch(steps []models.TaskStep, parallel bool) []models.TaskStep {
	for i, s := range steps {
		if task.StepDone(s.Status) {
			continue
		}
		if !parallel || s.Group == 0 {
			return steps[i : i+1]
		}
		batch := []models.TaskStep{s}
		for _, next := range steps[i+1:] {
			if next.Group != s.Group {
				break
			}
			if !task.StepDone(next.Status) {
				batch = append(batch, next)
			}
		}
		return batch
	}
	return nil
}

// runBatch executes one step, or a group of independent steps concurrently.
func (e *Engine) runBatch(ctx context.Context, batch []models.TaskStep) ([]*executor.Result, error) {
	results := make([]*executor.Result, len(batch))
	if len(batch) == 1 {
		r, err := e.exec.Execute(ctx, batch[0].ID)
		if err != nil {
			return nil, err
		}
		results[0] = r
		return results, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range batch {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("step panicked", "task", s.TaskID, "step", s.ID, "panic", r, "stack", string(debug.Stack()))
					err = fault.New(fault.Internal, "dispatch: run step", "step %d panicked: %v", s.ID, r)
				}
			}()
			r, err := e.exec.Execute(gctx, s.ID)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// replanBudget is how many failed steps the task's job may answer with a
// fresh plan. Only dynamic jobs replan.
func (e *Engine) replanBudget(id string) int {
	t, err := task.Get(e.db, id)
	if err != nil {
		return 0
	}
	def, err := job.Resolve(e.db, t.JobKey)
	if err != nil {
		return 0
	}
	strategy, err := job.ParseStrategy(def.ModelStrategy)
	if err != nil || strategy.Mode != job.ModeDynamic {
		return 0
	}
	constraints, err := job.ParseConstraints(def.Constraints)
	if err != nil {
		return 0
	}
	return constraints.MaxReplans
}

// replan answers a failed step with a fresh plan while the budget allows.
// Steps of the abandoned plan that never ran are skipped; completed history
// is kept. Rejections and budget failures are final.
func (e *Engine) replan(ctx context.Context, id string, steps []models.TaskStep, failed *executor.Result, allowed int) bool {
	if failed.Status != task.StepFailed || allowed == 0 {
		return false
	}
	switch fault.KindOf(failed.Err) {
	case fault.BudgetExceeded, fault.ApprovalRejected, fault.Cancelled:
		return false
	}
	failures := 0
	for _, s := range steps {
		if s.Status == task.StepFailed || s.ID == failed.StepID {
			failures++
		}
	}
	if failures > allowed {
		return false
	}

	if _, err := task.SkipPending(e.db, id); err != nil {
		e.log.Warn("replan: skip abandoned steps", "task", id, "error", err)
		return false
	}
	added, err := e.planner.Replan(ctx, id, fmt.Sprintf("step %d failed: %v", failed.StepID, failed.Err))
	if err != nil {
		e.log.Warn("replan failed", "task", id, "error", err)
		return false
	}
	if len(added) == 0 {
		return false
	}
	e.log.Info("task replanned", "task", id, "failed_step", failed.StepID, "added", len(added))
	return true
}

// stepResult is one entry of a completed task's result document.
type stepResult struct {
	Index  int             `json:"index"`
	Skill  string          `json:"skill"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
}

// complete finalizes a task whose steps are all finished. A failed step that
// was answered by a replan does not fail the task.
func (e *Engine) complete(ctx context.Context, id string, steps []models.TaskStep) error {
	result := struct {
		Output json.RawMessage `json:"output,omitempty"`
		Steps  []stepResult    `json:"steps"`
	}{Steps: make([]stepResult, 0, len(steps))}
	for _, s := range steps {
		sr := stepResult{Index: s.StepIndex, Skill: s.SkillKey, Status: s.Status}
		if s.Status == task.StepSucceeded && len(s.Output) > 0 {
			sr.Output = json.RawMessage(s.Output)
			result.Output = sr.Output
		}
		result.Steps = append(result.Steps, sr)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fault.Wrap(fault.Internal, "dispatch: result", err)
	}
	if err := task.Transition(e.db, id, task.StatusCompleted, map[string]interface{}{"result_data": raw}); err != nil {
		return e.lostRace(id, err)
	}
	e.metrics.RecordTask(task.StatusCompleted)
	e.log.Info("task completed", "task", id, "steps", len(steps))
	e.notifyFinished(ctx, id)
	return nil
}

// fail skips the task's remaining steps and marks it failed with the cause.
func (e *Engine) fail(ctx context.Context, id string, cause error) error {
	if cause == nil {
		cause = fault.New(fault.Internal, "dispatch", "step failed without a cause")
	}
	if _, err := task.SkipPending(e.db, id); err != nil {
		return fault.Wrap(fault.Persistence, "dispatch: fail", err)
	}
	if err := task.Fail(e.db, id, cause); err != nil {
		return e.lostRace(id, err)
	}
	e.metrics.RecordTask(task.StatusFailed)
	e.log.Warn("task failed", "task", id, "kind", fault.KindOf(cause), "error", cause)
	e.notifyFinished(ctx, id)
	return nil
}

// failTask is the last-resort handler for errors escaping process.
func (e *Engine) failTask(ctx context.Context, id string, cause error) {
	if fault.Is(cause, fault.Cancelled) {
		return
	}
	status, err := task.Status(e.db, id)
	if err != nil || task.IsTerminal(status) {
		return
	}
	if err := e.fail(ctx, id, cause); err != nil && !fault.Is(err, fault.Cancelled) {
		e.log.Error("could not fail task", "task", id, "cause", cause, "error", err)
	}
}
