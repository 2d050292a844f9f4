package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/zulandar/workforce/internal/billing"
	"github.com/zulandar/workforce/internal/employee"
	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/job"
	"github.com/zulandar/workforce/internal/metering"
	"github.com/zulandar/workforce/internal/models"
	"github.com/zulandar/workforce/internal/skill"
	"gorm.io/gorm"
)

// DefaultPlannerModel is used when a dynamic job names no planner model.
const DefaultPlannerModel = "default"

var promptTmpl = template.Must(template.New("plan").Parse(`You are planning work for a digital employee.

Job: {{.Job.Name}} ({{.Job.Key}})
Purpose: {{.Job.Purpose}}

Available skills:
{{- range .Skills}}
- {{.Key}}: {{.Description}}{{if .RiskLevel}} [risk: {{.RiskLevel}}]{{end}}
{{- end}}

Task inputs:
{{.Inputs}}
{{- if .History}}

Steps already recorded (do not repeat completed work):
{{- range .History}}
- #{{.StepIndex}} {{.SkillKey}}: {{.Status}}{{if .ErrorMessage}} ({{.ErrorMessage}}){{end}}
{{- end}}
{{- end}}
{{- if .Reason}}

Replan reason: {{.Reason}}
{{- end}}

Reply with only a JSON object of the form
{"steps":[{"skill":"<skill key>","group":0,"input":{}}]}
Steps with the same non-zero group are independent of each other.
`))

// ModelStrategy asks a model for a JSON plan. Each planning call is metered
// and billed to the task's employee like a step's model call.
type ModelStrategy struct {
	db       *gorm.DB
	metering metering.Options
}

// NewModelStrategy returns a strategy backed by opts.Model.
func NewModelStrategy(opts metering.Options) *ModelStrategy {
	return &ModelStrategy{db: opts.DB, metering: opts}
}

// Propose renders the planning prompt, invokes the job's planner model,
// settles the call's cost and decodes the reply.
func (s *ModelStrategy) Propose(ctx context.Context, req Request) (*Proposal, error) {
	const op = "planner: model strategy"
	if req.Task == nil {
		return nil, fault.New(fault.Validation, op, "job %q: a planning call needs a task to bill", req.Job.Key)
	}
	strategy, err := job.ParseStrategy(req.Job.ModelStrategy)
	if err != nil {
		return nil, fault.New(fault.Validation, op, "job %q: %v", req.Job.Key, err)
	}
	modelID := strategy.PlannerModel
	if modelID == "" {
		modelID = strategy.Model
	}
	if modelID == "" {
		modelID = DefaultPlannerModel
	}

	prompt, err := s.prompt(req)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	text, err := s.invoke(ctx, req.Task, modelID, prompt)
	if err != nil {
		return nil, err
	}
	prop, err := DecodeProposal(text)
	if err != nil {
		return nil, fault.New(fault.Validation, op, "job %q: %v", req.Job.Key, err)
	}
	return prop, nil
}

// invoke makes one metered planning call for t and settles it in a single
// transaction. A salary breach fails planning with fault.BudgetExceeded and
// leaves the employee suspended.
func (s *ModelStrategy) invoke(ctx context.Context, t *models.Task, modelID, prompt string) (string, error) {
	const op = "planner: model call"
	emp, err := employee.Get(s.db, t.EmployeeID)
	if err != nil {
		return "", err
	}
	var prior int64
	if err := s.db.Model(&models.LLMCallLog{}).
		Where("task_id = ? AND purpose = ?", t.ID, metering.PurposePlan).
		Count(&prior).Error; err != nil {
		return "", fault.Wrap(fault.Persistence, op, err)
	}
	n := int(prior) + 1
	ref := billing.PlanRef(t.ID, n)
	ref.Remark = fmt.Sprintf("plan %d for task %s", n, t.ID)
	m := metering.New(s.metering, metering.Scope{
		Purpose:    metering.PurposePlan,
		TaskID:     t.ID,
		EmployeeID: emp.ID,
		AgentID:    emp.AgentID,
		WalletID:   emp.WalletID,
		Attempt:    n,
		Ref:        ref,
	})

	c, err := m.Invoke(ctx, modelID, prompt)
	if err != nil {
		m.Release()
		return "", err
	}
	var bill metering.Bill
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		bill, err = m.Settle(tx)
		return err
	})
	if err != nil {
		m.Release()
		if bill.SalaryBreached {
			if serr := employee.Suspend(s.db, emp.ID); serr != nil {
				return "", fmt.Errorf("%w (suspend employee: %v)", err, serr)
			}
		}
		return "", err
	}
	return c.Text, nil
}

func (s *ModelStrategy) prompt(req Request) (string, error) {
	skills, err := skill.List(s.db, false)
	if err != nil {
		return "", err
	}
	inputs, err := json.MarshalIndent(req.Inputs, "", "  ")
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err = promptTmpl.Execute(&buf, map[string]interface{}{
		"Job":     req.Job,
		"Skills":  skills,
		"Inputs":  string(inputs),
		"History": req.History,
		"Reason":  req.Reason,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// DecodeProposal extracts a plan from model output. Surrounding prose and
// markdown fences are ignored; the outermost JSON object is decoded.
func DecodeProposal(text string) (*Proposal, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("plan reply contains no JSON object")
	}
	var prop Proposal
	dec := json.NewDecoder(strings.NewReader(text[start : end+1]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&prop); err != nil {
		return nil, fmt.Errorf("decode plan reply: %w", err)
	}
	return &prop, nil
}
