package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/workforce/internal/billing"
	"github.com/zulandar/workforce/internal/config"
	"github.com/zulandar/workforce/internal/dispatch"
	"github.com/zulandar/workforce/internal/employee"
	"github.com/zulandar/workforce/internal/executor"
	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/job"
	"github.com/zulandar/workforce/internal/llm"
	"github.com/zulandar/workforce/internal/metrics"
	"github.com/zulandar/workforce/internal/models"
	"github.com/zulandar/workforce/internal/planner"
	"github.com/zulandar/workforce/internal/skill"
	"github.com/zulandar/workforce/internal/task"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testServer struct {
	db       *gorm.DB
	engine   *dispatch.Engine
	router   *gin.Engine
	employee *models.Employee
	wallet   *models.Wallet
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.SkillDefinition{}, &models.JobDefinition{},
		&models.Wallet{}, &models.BillingTransaction{},
		&models.Employee{}, &models.Task{}, &models.TaskStep{},
		&models.ToolAuditLog{}, &models.LLMCallLog{},
	))

	actions := skill.NewActions()
	_, err = skill.Register(db, actions, skill.RegisterOpts{Key: "reply", ActionName: skill.ActionEcho})
	require.NoError(t, err)
	_, err = skill.Register(db, actions, skill.RegisterOpts{Key: "send-email", ActionName: skill.ActionEcho, RiskLevel: skill.RiskHigh})
	require.NoError(t, err)
	_, err = job.Register(db, job.RegisterOpts{Key: "simple", Workflow: []byte(`["reply"]`)})
	require.NoError(t, err)
	_, err = job.Register(db, job.RegisterOpts{Key: "support", Workflow: []byte(`["reply","send-email"]`)})
	require.NoError(t, err)

	w, err := billing.CreateWallet(db, billing.CreateWalletOpts{OwnerID: "tenant-1", OpeningBalance: 500})
	require.NoError(t, err)
	emp, err := employee.Provision(db, employee.ProvisionOpts{JobKey: "simple", TenantID: "tenant-1", BudgetLimit: 1000})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	steps := config.StepsConfig{MaxAttempts: 1, ApprovalRiskLevels: []string{"high"}}
	exec, err := executor.New(executor.Options{
		DB:      db,
		Actions: actions,
		Model:   llm.NewEchoInvoker(),
		Steps:   steps,
		Metrics: m,
	})
	require.NoError(t, err)
	engine, err := dispatch.New(dispatch.Options{
		DB:       db,
		Planner:  planner.New(db, nil),
		Executor: exec,
		Workers:  config.WorkersConfig{Count: 2, PollInterval: 20 * time.Millisecond},
		Steps:    steps,
		Metrics:  m,
	})
	require.NoError(t, err)

	router, err := NewRouter(Options{DB: db, Engine: engine, Gatherer: reg, EventInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	return &testServer{db: db, engine: engine, router: router, employee: emp, wallet: w}
}

// run starts the engine's workers for the rest of the test.
func (s *testServer) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func (s *testServer) waitStatus(t *testing.T, id, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := task.Status(s.db, id)
		require.NoError(t, err)
		if st == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := task.Status(s.db, id)
	t.Fatalf("task %s status = %s, want %s", id, st, want)
}

func (s *testServer) waitAwaiting(t *testing.T, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		steps, err := task.Steps(s.db, id)
		require.NoError(t, err)
		for _, st := range steps {
			if st.Status == task.StepAwaitingApproval {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never parked for approval", id)
}

func TestNewRouter_Requires(t *testing.T) {
	_, err := NewRouter(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db and engine are required")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind fault.Kind
		want int
	}{
		{fault.Validation, http.StatusBadRequest},
		{fault.NotFound, http.StatusNotFound},
		{fault.SkillResolution, http.StatusUnprocessableEntity},
		{fault.BudgetExceeded, http.StatusPaymentRequired},
		{fault.CapacityExceeded, http.StatusConflict},
		{fault.Conflict, http.StatusConflict},
		{fault.QueueFull, http.StatusServiceUnavailable},
		{fault.Persistence, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(fault.New(tt.kind, "op", "boom")))
		})
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["queue_depth"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "workforce_queue_depth")
}

func TestSubmitTask_Completes(t *testing.T) {
	s := newTestServer(t)
	s.run(t)

	rec := s.do(t, http.MethodPost, "/api/tasks",
		`{"employee_id":"`+s.employee.ID+`","inputs":{"prompt":"hi"},"title":"greet"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id, _ := decode(t, rec)["id"].(string)
	require.NotEmpty(t, id)

	s.waitStatus(t, id, task.StatusCompleted)

	rec = s.do(t, http.MethodGet, "/api/tasks/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st dispatch.TaskStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, task.StatusCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)
	require.Len(t, st.Steps, 1)
	assert.Equal(t, "reply", st.Steps[0].Skill)

	rec = s.do(t, http.MethodGet, "/api/tasks?status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["tasks"], 1)

	rec = s.do(t, http.MethodGet, "/api/tasks/"+id+"/usage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode(t, rec)["calls"])
}

func TestSubmitTask_Errors(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed body", `{`, http.StatusBadRequest},
		{"missing employee", `{"job_key":"simple"}`, http.StatusBadRequest},
		{"unknown employee", `{"employee_id":"nobody"}`, http.StatusNotFound},
		{"unknown job", `{"employee_id":"` + s.employee.ID + `","job_key":"nope"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/tasks", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(fault.NotFound), decode(t, rec)["kind"])
}

func TestApprovalFlow(t *testing.T) {
	s := newTestServer(t)
	s.run(t)

	rec := s.do(t, http.MethodPost, "/api/tasks",
		`{"employee_id":"`+s.employee.ID+`","job_key":"support","inputs":{"to":"a@example.com"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode(t, rec)["id"].(string)
	s.waitAwaiting(t, id)

	rec = s.do(t, http.MethodGet, "/api/approvals?task_id="+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	approvals, _ := decode(t, rec)["approvals"].([]interface{})
	require.Len(t, approvals, 1)
	entry := approvals[0].(map[string]interface{})
	assert.Equal(t, "send-email", entry["tool"])
	auditID := entry["id"].(string)

	rec = s.do(t, http.MethodPost, "/api/approvals/"+auditID+"/resolve", `{"decision":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/approvals/"+auditID+"/resolve",
		`{"decision":"approve","approver":"ops-lead"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.waitStatus(t, id, task.StatusCompleted)

	rec = s.do(t, http.MethodPost, "/api/approvals/"+auditID+"/resolve", `{"decision":"reject"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestCancelTask(t *testing.T) {
	s := newTestServer(t)
	tk, err := dispatch.Admit(s.db, dispatch.SubmitOpts{EmployeeID: s.employee.ID})
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/tasks/"+tk.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st, err := task.Status(s.db, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, st)

	rec = s.do(t, http.MethodPost, "/api/tasks/"+tk.ID+"/cancel", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestTaskTree(t *testing.T) {
	s := newTestServer(t)
	parent, err := dispatch.Admit(s.db, dispatch.SubmitOpts{EmployeeID: s.employee.ID})
	require.NoError(t, err)
	_, err = dispatch.Admit(s.db, dispatch.SubmitOpts{EmployeeID: s.employee.ID, ParentTaskID: parent.ID})
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/tasks/"+parent.ID+"/tree", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["count"])

	rec = s.do(t, http.MethodGet, "/api/tasks/"+parent.ID+"/tree?depth=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmployeeAndWallet(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/employees/"+s.employee.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "simple", body["job_key"])
	assert.EqualValues(t, 1000, body["salary_token_limit"])

	rec = s.do(t, http.MethodGet, "/api/wallets/"+s.wallet.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.EqualValues(t, 500, body["balance"])
	assert.Equal(t, true, body["reconciled"])

	rec = s.do(t, http.MethodGet, "/api/wallets/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskEvents_TerminalTask(t *testing.T) {
	s := newTestServer(t)
	tk, err := dispatch.Admit(s.db, dispatch.SubmitOpts{EmployeeID: s.employee.ID})
	require.NoError(t, err)
	require.NoError(t, dispatch.Cancel(s.db, tk.ID))

	rec := s.do(t, http.MethodGet, "/api/tasks/"+tk.ID+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var events []string
	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	assert.Equal(t, []string{"status", "done"}, events)
}

func TestTaskEvents_FollowsToCompletion(t *testing.T) {
	s := newTestServer(t)
	tk, err := dispatch.Admit(s.db, dispatch.SubmitOpts{EmployeeID: s.employee.ID})
	require.NoError(t, err)
	s.run(t)

	rec := s.do(t, http.MethodGet, "/api/tasks/"+tk.ID+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, `"status":"completed"`)
}

func TestWriteSSE(t *testing.T) {
	var b strings.Builder
	writeSSE(&b, "status", map[string]int{"progress": 50})
	assert.Equal(t, "event: status\ndata: {\"progress\":50}\n\n", b.String())
}
