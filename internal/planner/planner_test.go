package planner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/zulandar/workforce/internal/billing"
	"github.com/zulandar/workforce/internal/employee"
	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/job"
	"github.com/zulandar/workforce/internal/llm"
	"github.com/zulandar/workforce/internal/metering"
	"github.com/zulandar/workforce/internal/models"
	"github.com/zulandar/workforce/internal/skill"
	"github.com/zulandar/workforce/internal/task"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.SkillDefinition{}, &models.JobDefinition{}, &models.Task{}, &models.TaskStep{},
		&models.Wallet{}, &models.BillingTransaction{}, &models.Employee{}, &models.LLMCallLog{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	actions := skill.NewActions()
	for _, key := range []string{"classify", "reply", "escalate", "lookup-order", "lookup-customer"} {
		if _, err := skill.Register(db, actions, skill.RegisterOpts{Key: key, ActionName: "echo", Description: "does " + key}); err != nil {
			t.Fatalf("register skill %s: %v", key, err)
		}
	}
	return db
}

func registerJob(t *testing.T, db *gorm.DB, opts job.RegisterOpts) *models.JobDefinition {
	t.Helper()
	def, err := job.Register(db, opts)
	if err != nil {
		t.Fatalf("register job %s: %v", opts.Key, err)
	}
	return def
}

func skillKeys(specs []task.StepSpec) []string {
	var keys []string
	for _, s := range specs {
		keys = append(keys, s.SkillKey)
	}
	return keys
}

const supportWorkflow = `{"kind":"sequence","children":[
	{"kind":"skill","skill":"classify","input":{"mode":"strict"}},
	{"kind":"parallel","children":["lookup-order","lookup-customer"]},
	{"kind":"when","field":"customer.tier","equals":"gold","then":"escalate","else":"reply"},
	{"kind":"when","field":"priority","equals":2,"then":"escalate"}
]}`

func TestPlan_StaticFlatten(t *testing.T) {
	db := testDB(t)
	def := registerJob(t, db, job.RegisterOpts{Key: "support", Workflow: []byte(supportWorkflow)})
	p := New(db, nil)

	tests := []struct {
		name   string
		inputs string
		want   []string
	}{
		{"gold customer", `{"customer":{"tier":"gold"},"priority":1}`, []string{"classify", "lookup-order", "lookup-customer", "escalate"}},
		{"regular urgent", `{"customer":{"tier":"basic"},"priority":2}`, []string{"classify", "lookup-order", "lookup-customer", "reply", "escalate"}},
		{"missing fields", `{}`, []string{"classify", "lookup-order", "lookup-customer", "reply"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, err := p.Plan(context.Background(), def, []byte(tt.inputs))
			if err != nil {
				t.Fatalf("Plan: %v", err)
			}
			if got := strings.Join(skillKeys(specs), ","); got != strings.Join(tt.want, ",") {
				t.Errorf("steps = %s, want %s", got, strings.Join(tt.want, ","))
			}
			if specs[0].Group != 0 || specs[1].Group == 0 || specs[1].Group != specs[2].Group {
				t.Errorf("groups = %d,%d,%d", specs[0].Group, specs[1].Group, specs[2].Group)
			}
		})
	}
}

func TestPlan_StepInputMergesTaskInputs(t *testing.T) {
	db := testDB(t)
	def := registerJob(t, db, job.RegisterOpts{Key: "support", Workflow: []byte(supportWorkflow)})
	specs, err := New(db, nil).Plan(context.Background(), def, []byte(`{"ticket":"T-9","mode":"loose"}`))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	var in map[string]interface{}
	if err := json.Unmarshal(specs[0].Input, &in); err != nil {
		t.Fatal(err)
	}
	if in["ticket"] != "T-9" || in["mode"] != "strict" {
		t.Errorf("step input = %v", in)
	}
}

func TestPlan_MaxSteps(t *testing.T) {
	db := testDB(t)
	def := registerJob(t, db, job.RegisterOpts{
		Key:         "short",
		Workflow:    []byte(`["classify","reply","escalate"]`),
		Constraints: []byte(`{"max_steps":2}`),
	})
	_, err := New(db, nil).Plan(context.Background(), def, nil)
	if !fault.Is(err, fault.Validation) || !strings.Contains(err.Error(), "max_steps") {
		t.Errorf("err = %v, want max_steps validation", err)
	}
}

func TestPlan_BadInputs(t *testing.T) {
	db := testDB(t)
	def := registerJob(t, db, job.RegisterOpts{Key: "support", Workflow: []byte(`["reply"]`)})
	if _, err := New(db, nil).Plan(context.Background(), def, []byte(`[1,2]`)); !fault.Is(err, fault.Validation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func dynamicJob(t *testing.T, db *gorm.DB) *models.JobDefinition {
	return registerJob(t, db, job.RegisterOpts{
		Key:           "triage",
		Name:          "Triage",
		Purpose:       "route incoming tickets",
		ModelStrategy: []byte(`{"mode":"dynamic","planner_model":"planner-large"}`),
		OutputSchema:  []byte(`{"type":"object","properties":{"steps":{"type":"array","maxItems":3}}}`),
	})
}

func TestPlan_Dynamic(t *testing.T) {
	db := testDB(t)
	def := dynamicJob(t, db)
	var got Request
	strategy := StrategyFunc(func(ctx context.Context, req Request) (*Proposal, error) {
		got = req
		return &Proposal{Steps: []ProposedStep{
			{Skill: "classify"},
			{Skill: "reply", Input: map[string]interface{}{"tone": "formal"}},
		}}, nil
	})
	specs, err := New(db, strategy).Plan(context.Background(), def, []byte(`{"ticket":"T-1"}`))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got.Job.Key != "triage" || got.Inputs["ticket"] != "T-1" {
		t.Errorf("strategy request = %+v", got)
	}
	if strings.Join(skillKeys(specs), ",") != "classify,reply" {
		t.Errorf("steps = %v", skillKeys(specs))
	}
	if !strings.Contains(string(specs[1].Input), `"tone":"formal"`) {
		t.Errorf("step input = %s", specs[1].Input)
	}
}

func TestPlan_DynamicRejected(t *testing.T) {
	db := testDB(t)
	def := dynamicJob(t, db)

	tests := []struct {
		name    string
		prop    *Proposal
		err     error
		wantErr string
		kind    fault.Kind
	}{
		{"unknown skill", &Proposal{Steps: []ProposedStep{{Skill: "launch-rockets"}}}, nil, `unknown or inactive skill "launch-rockets"`, fault.Validation},
		{"empty", &Proposal{}, nil, "plan has no steps", fault.Validation},
		{"output schema", &Proposal{Steps: []ProposedStep{{Skill: "reply"}, {Skill: "reply"}, {Skill: "reply"}, {Skill: "reply"}}}, nil, "output_schema", fault.Validation},
		{"strategy error", nil, errors.New("connection reset"), "connection reset", fault.ExternalCall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strategy := StrategyFunc(func(ctx context.Context, req Request) (*Proposal, error) {
				return tt.prop, tt.err
			})
			_, err := New(db, strategy).Plan(context.Background(), def, nil)
			if !fault.Is(err, tt.kind) {
				t.Fatalf("err = %v, want %s", err, tt.kind)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %q, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestPlan_DynamicWithoutStrategy(t *testing.T) {
	db := testDB(t)
	def := dynamicJob(t, db)
	if _, err := New(db, nil).Plan(context.Background(), def, nil); !fault.Is(err, fault.Validation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestReplan_AppendsAfterHistory(t *testing.T) {
	db := testDB(t)
	dynamicJob(t, db)
	tk, err := task.Create(db, task.CreateOpts{EmployeeID: "emp-1", JobKey: "triage", Inputs: []byte(`{"ticket":"T-2"}`)})
	if err != nil {
		t.Fatal(err)
	}
	first, err := task.AppendSteps(db, tk.ID, []task.StepSpec{{SkillKey: "classify"}, {SkillKey: "reply", Group: 1}})
	if err != nil {
		t.Fatal(err)
	}
	task.UpdateStep(db, first[0].ID, map[string]interface{}{"status": task.StepSucceeded})
	task.UpdateStep(db, first[1].ID, map[string]interface{}{"status": task.StepFailed, "error_message": "bounced"})

	var history []models.TaskStep
	strategy := StrategyFunc(func(ctx context.Context, req Request) (*Proposal, error) {
		history = req.History
		return &Proposal{Steps: []ProposedStep{{Skill: "escalate", Group: 1}}}, nil
	})
	added, err := New(db, strategy).Replan(context.Background(), tk.ID, "reply bounced")
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("strategy saw %d history steps, want 2", len(history))
	}
	if len(added) != 1 || added[0].StepIndex != 2 || added[0].Group != 2 {
		t.Errorf("added = %+v", added)
	}

	steps, _ := task.Steps(db, tk.ID)
	if len(steps) != 3 || steps[0].Status != task.StepSucceeded || steps[1].Status != task.StepFailed {
		t.Errorf("history changed: %+v", steps)
	}
}

// billedTask provisions an employee with a funded wallet and a task of def.
func billedTask(t *testing.T, db *gorm.DB, def *models.JobDefinition) *models.Task {
	t.Helper()
	if _, err := billing.CreateWallet(db, billing.CreateWalletOpts{OwnerID: "tenant-1", OpeningBalance: 1000}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	emp, err := employee.Provision(db, employee.ProvisionOpts{JobKey: def.Key, TenantID: "tenant-1", BudgetLimit: 100000})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	tk, err := task.Create(db, task.CreateOpts{EmployeeID: emp.ID, JobKey: def.Key, Inputs: []byte(`{"ticket":"T-3"}`)})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return tk
}

var plannerPricing = llm.Pricing{"planner-large": {PromptPer1K: 1000, CompletionPer1K: 1000}}

func TestModelStrategy(t *testing.T) {
	db := testDB(t)
	def := dynamicJob(t, db)
	tk := billedTask(t, db, def)
	model := llm.NewScriptedInvoker(llm.MockReply{Completion: llm.Completion{
		Text:         "Here is the plan:\n```json\n{\"steps\":[{\"skill\":\"classify\"},{\"skill\":\"escalate\",\"group\":1}]}\n```",
		PromptTokens: 40, CompletionTokens: 10,
	}})
	strategy := NewModelStrategy(metering.Options{DB: db, Model: model, Pricing: plannerPricing, Hold: 20})
	specs, err := New(db, strategy).PlanTask(context.Background(), tk, def)
	if err != nil {
		t.Fatalf("PlanTask: %v", err)
	}
	if strings.Join(skillKeys(specs), ",") != "classify,escalate" || specs[1].Group != 1 {
		t.Errorf("specs = %+v", specs)
	}

	calls := model.Calls()
	if len(calls) != 1 || calls[0].Model != "planner-large" {
		t.Fatalf("calls = %+v", calls)
	}
	for _, want := range []string{"Triage (triage)", "route incoming tickets", "- lookup-order: does lookup-order", `"ticket": "T-3"`} {
		if !strings.Contains(calls[0].Prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, calls[0].Prompt)
		}
	}

	// A second planning call for the same task is billed under its own ref.
	if _, err := strategy.Propose(context.Background(), Request{Job: def, Task: tk}); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	var logs []models.LLMCallLog
	if err := db.Where("task_id = ?", tk.ID).Order("id ASC").Find(&logs).Error; err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("call logs = %d, want 2", len(logs))
	}
	for i, l := range logs {
		if l.Purpose != metering.PurposePlan || !l.Billed || l.Cost != 50 || l.Attempt != i+1 {
			t.Errorf("call log %d = %+v", i, l)
		}
		var debits int64
		db.Model(&models.BillingTransaction{}).
			Where("related_id = ? AND type = ?", billing.PlanRef(tk.ID, i+1).RelatedID, billing.TypeDebit).
			Count(&debits)
		if debits != 1 {
			t.Errorf("plan %d debits = %d, want 1", i+1, debits)
		}
	}
	w, _ := billing.WalletForOwner(db, "tenant-1")
	if w.Balance != 900 || w.FrozenBalance != 0 {
		t.Errorf("wallet = %d/%d frozen, want 900/0", w.Balance, w.FrozenBalance)
	}
	emp, _ := employee.Get(db, tk.EmployeeID)
	if emp.SalaryTokenUsed != 100 {
		t.Errorf("salary used = %d, want 100", emp.SalaryTokenUsed)
	}
}

func TestModelStrategy_Errors(t *testing.T) {
	db := testDB(t)
	def := dynamicJob(t, db)
	tk := billedTask(t, db, def)
	opts := metering.Options{DB: db, Pricing: plannerPricing}

	opts.Model = llm.NewErrorInvoker(errors.New("503"))
	_, err := NewModelStrategy(opts).Propose(context.Background(), Request{Job: def, Task: tk})
	if !fault.Is(err, fault.ExternalCall) {
		t.Errorf("transport failure: err = %v, want external_call", err)
	}

	opts.Model = llm.NewFixedInvoker(llm.Completion{Text: "I cannot help with that."})
	_, err = NewModelStrategy(opts).Propose(context.Background(), Request{Job: def, Task: tk})
	if !fault.Is(err, fault.Validation) {
		t.Errorf("prose reply: err = %v, want validation", err)
	}

	model := llm.NewFixedInvoker(llm.Completion{Text: `{"steps":[{"skill":"classify"}]}`})
	_, err = NewModelStrategy(metering.Options{DB: db, Model: model}).Propose(context.Background(), Request{Job: def})
	if !fault.Is(err, fault.Validation) || model.CallCount() != 0 {
		t.Errorf("no task: err = %v calls = %d, want validation and no call", err, model.CallCount())
	}

	var failed int64
	db.Model(&models.LLMCallLog{}).Where("task_id = ? AND success = ?", tk.ID, false).Count(&failed)
	if failed != 1 {
		t.Errorf("failed call logs = %d, want 1", failed)
	}
}

func TestDecodeProposal(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    int
		wantErr bool
	}{
		{"bare", `{"steps":[{"skill":"a"}]}`, 1, false},
		{"fenced", "```\n{\"steps\":[{\"skill\":\"a\"},{\"skill\":\"b\"}]}\n```", 2, false},
		{"no json", "nothing here", 0, true},
		{"unknown field", `{"steps":[],"extra":1}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prop, err := DecodeProposal(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeProposal: %v", err)
			}
			if len(prop.Steps) != tt.want {
				t.Errorf("got %d steps, want %d", len(prop.Steps), tt.want)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	in := map[string]interface{}{"a": map[string]interface{}{"b": 3.0}, "c": "x"}
	if v, ok := Lookup(in, "a.b"); !ok || v != 3.0 {
		t.Errorf("a.b = %v, %v", v, ok)
	}
	if _, ok := Lookup(in, "c.d"); ok {
		t.Error("c.d should not resolve")
	}
	if !equal(3.0, 3) || equal("3", 3) {
		t.Error("equal mismatch")
	}
}
