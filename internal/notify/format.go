package notify

import (
	"fmt"
	"strings"

	"github.com/zulandar/workforce/internal/models"
)

// Event kinds.
const (
	KindApprovalRequested = "approval_requested"
	KindTaskFinished      = "task_finished"
	KindEmployeeSuspended = "employee_suspended"
	KindLeaseLapsed       = "lease_lapsed"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// SeverityColor maps a severity string to a sidebar color.
func SeverityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// maxArgsLen truncates tool arguments shown in chat.
const maxArgsLen = 500

// ApprovalRequested formats a pending tool audit entry.
func ApprovalRequested(a *models.ToolAuditLog) Event {
	args := string(a.InputArgs)
	if len(args) > maxArgsLen {
		args = args[:maxArgsLen] + "..."
	}
	return Event{
		Kind:     KindApprovalRequested,
		Title:    fmt.Sprintf("Approval needed: %s (%s risk)", a.ToolName, a.RiskLevel),
		Body:     fmt.Sprintf("Arguments:\n%s\n\nResolve with `wf approval resolve %s approve|reject`", args, a.ID),
		Severity: "warning",
		Color:    ColorWarning,
		Fields: []Field{
			{Name: "Audit", Value: a.ID, Short: true},
			{Name: "Task", Value: a.TaskID, Short: true},
			{Name: "Employee", Value: a.EmployeeID, Short: true},
		},
	}
}

// TaskFinished formats a task that reached a terminal status.
func TaskFinished(t *models.Task) Event {
	severity := "info"
	switch t.Status {
	case "completed":
		severity = "success"
	case "failed":
		severity = "error"
	}
	evt := Event{
		Kind:     KindTaskFinished,
		Title:    fmt.Sprintf("Task %s %s", shortID(t.ID), t.Status),
		Body:     t.Title,
		Severity: severity,
		Color:    SeverityColor(severity),
		Fields: []Field{
			{Name: "Job", Value: t.JobKey, Short: true},
			{Name: "Employee", Value: t.EmployeeID, Short: true},
		},
	}
	if t.ErrorKind != "" {
		evt.Fields = append(evt.Fields, Field{Name: "Error", Value: t.ErrorKind + ": " + t.ErrorMessage})
	}
	return evt
}

// EmployeeSuspended formats a budget suspension.
func EmployeeSuspended(e *models.Employee) Event {
	return Event{
		Kind:     KindEmployeeSuspended,
		Title:    fmt.Sprintf("Employee %s suspended", e.Name),
		Body:     fmt.Sprintf("Salary budget exhausted: %d of %d tokens used.", e.SalaryTokenUsed, e.SalaryTokenLimit),
		Severity: "error",
		Color:    ColorError,
		Fields: []Field{
			{Name: "Employee", Value: e.ID, Short: true},
			{Name: "Job", Value: e.JobKey, Short: true},
		},
	}
}

// LeasesLapsed formats contracts the sweeper could not renew.
func LeasesLapsed(ids []string) Event {
	return Event{
		Kind:     KindLeaseLapsed,
		Title:    fmt.Sprintf("%d lease(s) lapsed", len(ids)),
		Body:     "Auto-renewal failed; capacity was released: " + strings.Join(ids, ", "),
		Severity: "warning",
		Color:    ColorWarning,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
