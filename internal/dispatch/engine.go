// Package dispatch owns the work queue and worker pool: it admits tasks,
// drives each one through planning and step execution, and exposes the
// control surface (submit, status, cancel, approval resolution).
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zulandar/workforce/internal/approval"
	"github.com/zulandar/workforce/internal/config"
	"github.com/zulandar/workforce/internal/employee"
	"github.com/zulandar/workforce/internal/executor"
	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/job"
	"github.com/zulandar/workforce/internal/logging"
	"github.com/zulandar/workforce/internal/metrics"
	"github.com/zulandar/workforce/internal/models"
	"github.com/zulandar/workforce/internal/notify"
	"github.com/zulandar/workforce/internal/planner"
	"github.com/zulandar/workforce/internal/task"
	"gorm.io/gorm"
)

const (
	defaultWorkers      = 16
	defaultQueueSize    = 256
	defaultPollInterval = 5 * time.Second
)

// Options configures an Engine. DB, Planner and Executor are required.
type Options struct {
	DB       *gorm.DB
	Planner  *planner.Planner
	Executor *executor.Executor
	Workers  config.WorkersConfig
	Steps    config.StepsConfig
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

// stepRunner executes one task step.
type stepRunner interface {
	Execute(ctx context.Context, stepID uint) (*executor.Result, error)
}

// Engine is the dispatcher. Its methods are safe for concurrent use.
type Engine struct {
	db       *gorm.DB
	planner  *planner.Planner
	exec     stepRunner
	workers  int
	poll     time.Duration
	parallel bool
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger

	queue chan string

	mu      sync.Mutex
	queued  map[string]bool
	running map[string]bool
	again   map[string]bool // resumed while a worker still held the task
}

// New creates an Engine with a bounded queue. Workers start with Run.
func New(opts Options) (*Engine, error) {
	if opts.DB == nil || opts.Planner == nil || opts.Executor == nil {
		return nil, fmt.Errorf("dispatch: db, planner and executor are required")
	}
	e := &Engine{
		db:       opts.DB,
		planner:  opts.Planner,
		exec:     opts.Executor,
		workers:  opts.Workers.Count,
		poll:     opts.Workers.PollInterval,
		parallel: opts.Steps.ParallelIndependent,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		log:      opts.Log,
		queued:   make(map[string]bool),
		running:  make(map[string]bool),
		again:    make(map[string]bool),
	}
	if e.workers <= 0 {
		e.workers = defaultWorkers
	}
	if e.poll <= 0 {
		e.poll = defaultPollInterval
	}
	size := opts.Workers.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	e.queue = make(chan string, size)
	if e.log == nil {
		e.log = logging.Discard()
	}
	if e.notifier == nil {
		e.notifier = notify.LogNotifier{Log: e.log}
	}
	return e, nil
}

// SubmitOpts holds parameters for submitting a task.
type SubmitOpts struct {
	EmployeeID   string
	JobKey       string // defaults to the employee's job
	Inputs       []byte
	Title        string
	Description  string
	Initiator    string
	ParentTaskID string
}

// SubmitTask validates and persists a task, then enqueues it. It returns the
// task's execution ID. When the queue is full the task is recorded as failed
// with a QueueFull error so that it is never picked up later.
func (e *Engine) SubmitTask(ctx context.Context, opts SubmitOpts) (string, error) {
	t, err := Admit(e.db, opts)
	if err != nil {
		return "", err
	}
	if err := e.enqueue(t.ID, false); err != nil {
		if ferr := task.Fail(e.db, t.ID, err); ferr != nil {
			e.log.Warn("fail rejected task", "task", t.ID, "error", ferr)
		}
		e.metrics.RecordTask(task.StatusFailed)
		return t.ID, err
	}
	e.log.Info("task submitted", "task", t.ID, "employee", t.EmployeeID, "job", t.JobKey)
	return t.ID, nil
}

// Admit validates a submission and persists it as a created task without
// enqueueing it. A running Engine picks such tasks up on its next poll.
func Admit(db *gorm.DB, opts SubmitOpts) (*models.Task, error) {
	const op = "dispatch: submit"
	if opts.EmployeeID == "" {
		return nil, fault.New(fault.Validation, op, "employee is required")
	}
	emp, err := employee.Get(db, opts.EmployeeID)
	if err != nil {
		return nil, err
	}
	if emp.WorkState == employee.StateRetired {
		return nil, fault.New(fault.Validation, op, "employee %s is retired", emp.ID)
	}
	if opts.JobKey == "" {
		opts.JobKey = emp.JobKey
	}
	def, err := job.Resolve(db, opts.JobKey)
	if err != nil {
		return nil, err
	}
	if err := job.ValidateInputs(def, opts.Inputs); err != nil {
		return nil, err
	}
	return task.Create(db, task.CreateOpts{
		Title:        opts.Title,
		Description:  opts.Description,
		Initiator:    opts.Initiator,
		EmployeeID:   emp.ID,
		JobKey:       def.Key,
		Inputs:       opts.Inputs,
		ParentTaskID: opts.ParentTaskID,
	})
}

// CancelTask marks a task cancelled. Steps not yet started are skipped; a
// step already running finishes and the worker stops before the next one.
func (e *Engine) CancelTask(ctx context.Context, id string) error {
	if err := Cancel(e.db, id); err != nil {
		return err
	}
	e.metrics.RecordTask(task.StatusCancelled)
	e.notifyFinished(ctx, id)
	return nil
}

// Cancel is CancelTask without a running Engine.
func Cancel(db *gorm.DB, id string) error {
	if err := task.Cancel(db, id); err != nil {
		return err
	}
	if _, err := task.SkipPending(db, id); err != nil {
		return fault.Wrap(fault.Persistence, "dispatch: cancel", err)
	}
	return nil
}

// ResolveApproval records an approval decision and enqueues the owning task
// so the gated step resumes. If the queue is full the decision still stands
// and the poll loop resumes the task later.
func (e *Engine) ResolveApproval(ctx context.Context, auditID, decision, approver, reason string) (*models.ToolAuditLog, error) {
	audit, err := approval.Decide(e.db, auditID, decision, approver, reason)
	if err != nil {
		return nil, err
	}
	if n, err := approval.CountPending(e.db); err == nil {
		e.metrics.SetApprovalsPending(n)
	}
	e.log.Info("approval resolved", "audit", audit.ID, "task", audit.TaskID, "status", audit.Status, "approver", approver)
	if err := e.enqueue(audit.TaskID, true); err != nil {
		e.log.Warn("resume deferred to poll", "task", audit.TaskID, "error", err)
	}
	return audit, nil
}

// enqueue adds a task to the queue unless it is already queued or held by a
// worker. With resume set, a held task is flagged to run again once the
// worker lets go.
func (e *Engine) enqueue(id string, resume bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queued[id] {
		return nil
	}
	if e.running[id] {
		if resume {
			e.again[id] = true
		}
		return nil
	}
	select {
	case e.queue <- id:
		e.queued[id] = true
		e.metrics.SetQueueDepth(len(e.queue))
		return nil
	default:
		return fault.New(fault.QueueFull, "dispatch: enqueue", "queue full (%d items), task %s not accepted", cap(e.queue), id)
	}
}

// claim moves a dequeued task into the running set. It reports false if
// another worker already holds it.
func (e *Engine) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.queued, id)
	e.metrics.SetQueueDepth(len(e.queue))
	if e.running[id] {
		e.again[id] = true
		return false
	}
	e.running[id] = true
	e.metrics.SetInFlight(len(e.running))
	return true
}

// release drops a task from the running set and reports whether it was
// resumed while held.
func (e *Engine) release(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
	e.metrics.SetInFlight(len(e.running))
	again := e.again[id]
	delete(e.again, id)
	return again
}

// InFlight returns the number of tasks queued or held by a worker.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queued) + len(e.running)
}

// QueueDepth returns the number of items waiting in the queue.
func (e *Engine) QueueDepth() int {
	return len(e.queue)
}

// Run starts the workers and the poll loop and blocks until ctx is done.
// Cancelling ctx drains the pool: no new items are dequeued, and tasks
// already held by a worker run to completion or to an approval gate.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("dispatcher starting", "workers", e.workers, "queue", cap(e.queue), "poll", e.poll)
	e.Recover()

	work := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx, work)
		}()
	}

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Info("dispatcher draining", "in_flight", e.InFlight())
			wg.Wait()
			e.log.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
			e.Recover()
		}
	}
}

// Recover enqueues persisted work no worker holds: created tasks (submitted
// without a running engine or lost in a restart), tasks interrupted while
// planning, and running tasks that are not parked on a pending approval.
func (e *Engine) Recover() int {
	ids, err := Recoverable(e.db)
	if err != nil {
		e.log.Warn("recover tasks", "error", err)
		return 0
	}
	n := 0
	for _, id := range ids {
		if err := e.enqueue(id, false); err != nil {
			e.log.Warn("recover deferred", "task", id, "error", err)
			break
		}
		n++
	}
	return n
}

// Recoverable lists the IDs of tasks that need a worker, oldest first.
func Recoverable(db *gorm.DB) ([]string, error) {
	parked := db.Model(&models.TaskStep{}).
		Select("task_steps.task_id").
		Joins("JOIN tool_audit_logs ON tool_audit_logs.id = task_steps.audit_id").
		Where("task_steps.status = ? AND tool_audit_logs.status = ?", task.StepAwaitingApproval, approval.StatusPending)
	var ids []string
	err := db.Model(&models.Task{}).
		Where("status IN ?", []string{task.StatusCreated, task.StatusPlanning, task.StatusRunning}).
		Where("id NOT IN (?)", parked).
		Order("created_at ASC, id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("dispatch: recoverable tasks: %w", err)
	}
	return ids, nil
}

func (e *Engine) notifyFinished(ctx context.Context, id string) {
	t, err := task.Get(e.db, id)
	if err != nil {
		return
	}
	if err := e.notifier.Notify(ctx, notify.TaskFinished(t)); err != nil {
		e.log.Warn("task notification failed", "task", id, "error", err)
	}
}
