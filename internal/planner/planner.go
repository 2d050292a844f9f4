// Package planner turns a job definition and task inputs into an ordered
// list of steps, either by flattening the job's static workflow or by asking
// a strategy collaborator for a dynamic plan.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/job"
	"github.com/zulandar/workforce/internal/models"
	"github.com/zulandar/workforce/internal/schema"
	"github.com/zulandar/workforce/internal/skill"
	"github.com/zulandar/workforce/internal/task"
	"gorm.io/gorm"
)

// Request is what a strategy is asked to plan. Task is nil when a plan is
// previewed without a task to bill.
type Request struct {
	Job     *models.JobDefinition
	Task    *models.Task
	Inputs  map[string]interface{}
	History []models.TaskStep // steps already recorded, empty on first plan
	Reason  string            // why a replan was requested
}

// ProposedStep is one step of a dynamic plan.
type ProposedStep struct {
	Skill string                 `json:"skill"`
	Group int                    `json:"group,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// Proposal is the plan document a strategy returns.
type Proposal struct {
	Steps []ProposedStep `json:"steps"`
}

// Strategy proposes plans for dynamic jobs.
type Strategy interface {
	Propose(ctx context.Context, req Request) (*Proposal, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(ctx context.Context, req Request) (*Proposal, error)

// Propose implements Strategy.
func (f StrategyFunc) Propose(ctx context.Context, req Request) (*Proposal, error) {
	return f(ctx, req)
}

// Planner produces step lists for tasks.
type Planner struct {
	db       *gorm.DB
	strategy Strategy
}

// New returns a planner. strategy may be nil if no job uses dynamic planning.
func New(db *gorm.DB, strategy Strategy) *Planner {
	return &Planner{db: db, strategy: strategy}
}

// Plan returns the steps for a new task of def with the given inputs.
// A plan that fails validation is a fault.Validation and nothing is stored.
func (p *Planner) Plan(ctx context.Context, def *models.JobDefinition, inputs []byte) ([]task.StepSpec, error) {
	return p.plan(ctx, def, inputs, nil)
}

// PlanTask plans t, a task of def. Strategies that call a model bill the
// call to the task's employee.
func (p *Planner) PlanTask(ctx context.Context, t *models.Task, def *models.JobDefinition) ([]task.StepSpec, error) {
	return p.plan(ctx, def, t.Inputs, t)
}

func (p *Planner) plan(ctx context.Context, def *models.JobDefinition, inputs []byte, t *models.Task) ([]task.StepSpec, error) {
	const op = "planner: plan"
	in, err := decodeInputs(inputs)
	if err != nil {
		return nil, fault.New(fault.Validation, op, "job %q: %v", def.Key, err)
	}
	strategy, err := job.ParseStrategy(def.ModelStrategy)
	if err != nil {
		return nil, fault.New(fault.Validation, op, "job %q: %v", def.Key, err)
	}
	constraints, err := job.ParseConstraints(def.Constraints)
	if err != nil {
		return nil, fault.New(fault.Validation, op, "job %q: %v", def.Key, err)
	}

	var specs []task.StepSpec
	switch strategy.Mode {
	case job.ModeDynamic:
		specs, err = p.propose(ctx, Request{Job: def, Task: t, Inputs: in}, 0)
	default:
		specs, err = Flatten(def, in)
	}
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, fault.New(fault.Validation, op, "job %q: plan has no steps", def.Key)
	}
	if constraints.MaxSteps > 0 && len(specs) > constraints.MaxSteps {
		return nil, fault.New(fault.Validation, op, "job %q: plan has %d steps, max_steps is %d",
			def.Key, len(specs), constraints.MaxSteps)
	}
	return specs, nil
}

// Replan asks the strategy for further steps of a running task and appends
// them after the existing step history. Completed steps are never rewritten.
func (p *Planner) Replan(ctx context.Context, taskID, reason string) ([]models.TaskStep, error) {
	const op = "planner: replan"
	t, err := task.Get(p.db, taskID)
	if err != nil {
		return nil, err
	}
	def, err := job.Resolve(p.db, t.JobKey)
	if err != nil {
		return nil, err
	}
	in, err := decodeInputs(t.Inputs)
	if err != nil {
		return nil, fault.New(fault.Validation, op, "task %s: %v", taskID, err)
	}
	constraints, err := job.ParseConstraints(def.Constraints)
	if err != nil {
		return nil, fault.New(fault.Validation, op, "job %q: %v", def.Key, err)
	}

	specs, err := p.propose(ctx, Request{Job: def, Task: t, Inputs: in, History: t.Steps, Reason: reason}, maxGroup(t.Steps))
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, nil
	}
	if constraints.MaxSteps > 0 && len(t.Steps)+len(specs) > constraints.MaxSteps {
		return nil, fault.New(fault.Validation, op, "task %s: replan would exceed max_steps %d", taskID, constraints.MaxSteps)
	}
	return task.AppendSteps(p.db, taskID, specs)
}

func (p *Planner) propose(ctx context.Context, req Request, groupBase int) ([]task.StepSpec, error) {
	const op = "planner: propose"
	if p.strategy == nil {
		return nil, fault.New(fault.Validation, op, "job %q is dynamic but no planning strategy is configured", req.Job.Key)
	}
	prop, err := p.strategy.Propose(ctx, req)
	if err != nil {
		if fault.KindOf(err) == fault.Internal {
			return nil, fault.Wrap(fault.ExternalCall, op, err)
		}
		return nil, err
	}
	if errs := p.ValidateProposal(req.Job, prop); len(errs) > 0 {
		return nil, fault.New(fault.Validation, op, "job %q: plan rejected: %s", req.Job.Key, strings.Join(errs, "; "))
	}
	specs := make([]task.StepSpec, 0, len(prop.Steps))
	for _, s := range prop.Steps {
		input, err := json.Marshal(mergeInputs(req.Inputs, s.Input))
		if err != nil {
			return nil, fault.Wrap(fault.Internal, op, err)
		}
		group := s.Group
		if group > 0 {
			group += groupBase
		}
		specs = append(specs, task.StepSpec{SkillKey: s.Skill, Group: group, Input: input})
	}
	return specs, nil
}

// ValidateProposal checks a dynamic plan against the job's output schema and
// the skill catalog. It returns every problem found (empty if valid).
func (p *Planner) ValidateProposal(def *models.JobDefinition, prop *Proposal) []string {
	if prop == nil {
		return []string{"plan is nil"}
	}
	var errs []string
	if len(prop.Steps) == 0 {
		errs = append(errs, "plan has no steps")
	}
	doc, err := json.Marshal(prop)
	if err != nil {
		return append(errs, err.Error())
	}
	if err := schema.Validate(def.OutputSchema, doc); err != nil {
		errs = append(errs, fmt.Sprintf("output_schema: %v", err))
	}
	for i, s := range prop.Steps {
		if s.Skill == "" {
			errs = append(errs, fmt.Sprintf("steps[%d]: skill is required", i))
			continue
		}
		if s.Group < 0 {
			errs = append(errs, fmt.Sprintf("steps[%d] (%s): group must not be negative", i, s.Skill))
		}
		if _, err := skill.Resolve(p.db, s.Skill); err != nil {
			errs = append(errs, fmt.Sprintf("steps[%d]: unknown or inactive skill %q", i, s.Skill))
		}
	}
	return errs
}

// Flatten walks a job's static workflow in order. Parallel children share a
// group number; when nodes are decided against the inputs now, so the stored
// plan contains only the chosen branch.
func Flatten(def *models.JobDefinition, inputs map[string]interface{}) ([]task.StepSpec, error) {
	root, err := job.ParseWorkflow(def.Workflow)
	if err != nil {
		return nil, fault.New(fault.Validation, "planner: flatten", "job %q: %v", def.Key, err)
	}
	if root == nil {
		return nil, nil
	}
	f := flattener{inputs: inputs}
	if err := f.walk(root, 0); err != nil {
		return nil, fault.Wrap(fault.Internal, "planner: flatten", err)
	}
	return f.specs, nil
}

type flattener struct {
	inputs    map[string]interface{}
	specs     []task.StepSpec
	nextGroup int
}

func (f *flattener) walk(n *job.Node, group int) error {
	switch n.Kind {
	case job.KindSkill:
		input, err := json.Marshal(mergeInputs(f.inputs, n.Input))
		if err != nil {
			return err
		}
		f.specs = append(f.specs, task.StepSpec{SkillKey: n.Skill, Group: group, Input: input})
	case job.KindSequence:
		for i := range n.Children {
			if err := f.walk(&n.Children[i], 0); err != nil {
				return err
			}
		}
	case job.KindParallel:
		f.nextGroup++
		g := f.nextGroup
		for i := range n.Children {
			if err := f.walk(&n.Children[i], g); err != nil {
				return err
			}
		}
	case job.KindWhen:
		v, ok := Lookup(f.inputs, n.Field)
		branch := n.Else
		if ok && equal(v, n.Equals) {
			branch = n.Then
		}
		if branch != nil {
			return f.walk(branch, group)
		}
	}
	return nil
}

// Lookup resolves a dotted field path ("customer.tier") in decoded inputs.
func Lookup(inputs map[string]interface{}, field string) (interface{}, bool) {
	var cur interface{} = inputs
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// equal compares two decoded JSON values. Numbers compare by value.
func equal(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func decodeInputs(raw []byte) (map[string]interface{}, error) {
	in := map[string]interface{}{}
	if schema.Empty(raw) {
		return in, nil
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("inputs must be a JSON object: %w", err)
	}
	return in, nil
}

// mergeInputs overlays per-step input on the task inputs.
func mergeInputs(base, over map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func maxGroup(steps []models.TaskStep) int {
	m := 0
	for _, s := range steps {
		if s.Group > m {
			m = s.Group
		}
	}
	return m
}
