package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/workforce/internal/approval"
	"github.com/zulandar/workforce/internal/billing"
	"github.com/zulandar/workforce/internal/dispatch"
	"github.com/zulandar/workforce/internal/employee"
	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/task"
	"gorm.io/gorm"
)

type handlers struct {
	db       *gorm.DB
	engine   *dispatch.Engine
	log      *slog.Logger
	interval time.Duration
}

// registerRoutes sets up all routes on the gin router.
func registerRoutes(router *gin.Engine, h *handlers, gatherer prometheus.Gatherer) {
	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.POST("/tasks", h.submitTask)
	api.GET("/tasks", h.listTasks)
	api.GET("/tasks/:id", h.taskStatus)
	api.POST("/tasks/:id/cancel", h.cancelTask)
	api.GET("/tasks/:id/tree", h.taskTree)
	api.GET("/tasks/:id/usage", h.taskUsage)
	api.GET("/tasks/:id/events", h.taskEvents)

	api.GET("/approvals", h.listApprovals)
	api.POST("/approvals/:id/resolve", h.resolveApproval)

	api.GET("/employees/:id", h.employee)
	api.GET("/wallets/:id", h.wallet)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.SkillResolution:
		return http.StatusUnprocessableEntity
	case fault.BudgetExceeded:
		return http.StatusPaymentRequired
	case fault.CapacityExceeded, fault.Conflict, fault.ApprovalRejected:
		return http.StatusConflict
	case fault.QueueFull:
		return http.StatusServiceUnavailable
	case fault.Timeout:
		return http.StatusGatewayTimeout
	case fault.ExternalCall:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": string(fault.KindOf(err))})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "kind": string(fault.Validation)})
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"queue_depth": h.engine.QueueDepth(),
		"in_flight":   h.engine.InFlight(),
	})
}

type submitRequest struct {
	EmployeeID   string          `json:"employee_id"`
	JobKey       string          `json:"job_key"`
	Inputs       json.RawMessage `json:"inputs"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Initiator    string          `json:"initiator"`
	ParentTaskID string          `json:"parent_task_id"`
}

func (h *handlers) submitTask(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	id, err := h.engine.SubmitTask(c.Request.Context(), dispatch.SubmitOpts{
		EmployeeID:   req.EmployeeID,
		JobKey:       req.JobKey,
		Inputs:       req.Inputs,
		Title:        req.Title,
		Description:  req.Description,
		Initiator:    req.Initiator,
		ParentTaskID: req.ParentTaskID,
	})
	if err != nil {
		if id != "" {
			c.JSON(statusFor(err), gin.H{"id": id, "error": err.Error(), "kind": string(fault.KindOf(err))})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (h *handlers) listTasks(c *gin.Context) {
	filters := task.ListFilters{
		Status:       c.Query("status"),
		EmployeeID:   c.Query("employee_id"),
		ParentTaskID: c.Query("parent_task_id"),
		Limit:        50,
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		filters.Limit = n
	}
	tasks, err := task.List(h.db, filters)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, gin.H{
			"id":          t.ID,
			"title":       t.Title,
			"employee_id": t.EmployeeID,
			"job_key":     t.JobKey,
			"status":      t.Status,
			"progress":    t.Progress,
			"created_at":  t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

func (h *handlers) taskStatus(c *gin.Context) {
	st, err := h.engine.GetTaskStatus(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) cancelTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.CancelTask(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": task.StatusCancelled})
}

type treeNode struct {
	ID       string      `json:"id"`
	Title    string      `json:"title,omitempty"`
	Status   string      `json:"status"`
	Progress int         `json:"progress"`
	Children []*treeNode `json:"children,omitempty"`
}

func toTree(n *task.TreeNode) *treeNode {
	out := &treeNode{ID: n.Task.ID, Title: n.Task.Title, Status: n.Task.Status, Progress: n.Task.Progress}
	for _, child := range n.Children {
		out.Children = append(out.Children, toTree(child))
	}
	return out
}

func (h *handlers) taskTree(c *gin.Context) {
	depth := 5
	if v := c.Query("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, "depth must be a non-negative integer")
			return
		}
		depth = n
	}
	root, err := task.Tree(h.db, c.Param("id"), depth)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tree":          toTree(root),
		"count":         root.Count(),
		"status_counts": root.StatusCounts(),
	})
}

func (h *handlers) taskUsage(c *gin.Context) {
	id := c.Param("id")
	if _, err := task.Status(h.db, id); err != nil {
		writeError(c, err)
		return
	}
	u, err := billing.UsageByTask(h.db, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, usageJSON(u))
}

func usageJSON(u billing.Usage) gin.H {
	return gin.H{
		"calls":             u.Calls,
		"failed_calls":      u.FailedCalls,
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens(),
		"cost":              u.Cost,
		"model":             u.Model,
	}
}

func (h *handlers) listApprovals(c *gin.Context) {
	status := c.DefaultQuery("status", approval.StatusPending)
	if status == "all" {
		status = ""
	}
	entries, err := approval.List(h.db, approval.ListFilters{Status: status, TaskID: c.Query("task_id")})
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(entries))
	for _, a := range entries {
		out = append(out, gin.H{
			"id":          a.ID,
			"task_id":     a.TaskID,
			"step_id":     a.StepID,
			"employee_id": a.EmployeeID,
			"tool":        a.ToolName,
			"risk_level":  a.RiskLevel,
			"status":      a.Status,
			"input":       json.RawMessage(a.InputArgs),
			"approver":    a.Approver,
			"created_at":  a.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"approvals": out})
}

type resolveRequest struct {
	Decision string `json:"decision"`
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

func (h *handlers) resolveApproval(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	audit, err := h.engine.ResolveApproval(c.Request.Context(), c.Param("id"), req.Decision, req.Approver, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": audit.ID, "task_id": audit.TaskID, "status": audit.Status})
}

func (h *handlers) employee(c *gin.Context) {
	emp, err := employee.Get(h.db, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	u, err := billing.UsageByEmployee(h.db, emp.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                 emp.ID,
		"tenant_id":          emp.TenantID,
		"job_key":            emp.JobKey,
		"wallet_id":          emp.WalletID,
		"name":               emp.Name,
		"work_state":         emp.WorkState,
		"online_status":      emp.OnlineStatus,
		"salary_token_used":  emp.SalaryTokenUsed,
		"salary_token_limit": emp.SalaryTokenLimit,
		"kpi_score":          emp.KPIScore,
		"steps_succeeded":    emp.StepsSucceeded,
		"steps_failed":       emp.StepsFailed,
		"usage":              usageJSON(u),
	})
}

func (h *handlers) wallet(c *gin.Context) {
	rec, err := billing.Reconcile(h.db, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	w, err := billing.GetWallet(h.db, rec.WalletID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":             w.ID,
		"owner_id":       w.OwnerID,
		"currency":       w.Currency,
		"balance":        w.Balance,
		"frozen_balance": w.FrozenBalance,
		"lifetime_spend": w.LifetimeSpend,
		"reconciled":     rec.OK(),
	})
}
