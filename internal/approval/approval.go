// Package approval manages tool audit entries: the approval gate that holds
// risky steps until an operator decides.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Audit statuses.
const (
	StatusPending  = "pending_approval"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExecuted = "executed"
)

// Decisions accepted by Decide.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// ValidTransitions maps each audit status to its valid next statuses.
var ValidTransitions = map[string][]string{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusExecuted},
}

// RequestOpts describes a step that needs approval.
type RequestOpts struct {
	TaskID     string
	StepID     uint
	EmployeeID string
	ToolName   string
	RiskLevel  string
	Input      []byte
}

// ListFilters holds optional filters for listing audit entries.
type ListFilters struct {
	Status string
	TaskID string
}

// Request creates the audit entry for a step. A step has at most one entry;
// a repeated request returns the existing one with created=false.
func Request(db *gorm.DB, opts RequestOpts) (audit *models.ToolAuditLog, created bool, err error) {
	const op = "approval: request"
	if opts.TaskID == "" || opts.StepID == 0 || opts.ToolName == "" {
		return nil, false, fault.New(fault.Validation, op, "task, step and tool are required")
	}
	if existing, err := ForStep(db, opts.StepID); err != nil || existing != nil {
		return existing, false, err
	}
	a := models.ToolAuditLog{
		ID:            uuid.NewString(),
		CorrelationID: opts.TaskID,
		TaskID:        opts.TaskID,
		StepID:        opts.StepID,
		EmployeeID:    opts.EmployeeID,
		ToolName:      opts.ToolName,
		InputArgs:     datatypes.JSON(opts.Input),
		RiskLevel:     opts.RiskLevel,
		Status:        StatusPending,
	}
	if err := db.Create(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, ferr := ForStep(db, opts.StepID)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, fault.Wrap(fault.Persistence, op, err)
	}
	return &a, true, nil
}

// Get retrieves an audit entry by ID.
func Get(db *gorm.DB, id string) (*models.ToolAuditLog, error) {
	var a models.ToolAuditLog
	if err := db.Where("id = ?", id).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "approval: get", "audit entry not found: %s", id)
		}
		return nil, fault.Wrap(fault.Persistence, "approval: get "+id, err)
	}
	return &a, nil
}

// ForStep returns the audit entry of a step, or nil if it has none.
func ForStep(db *gorm.DB, stepID uint) (*models.ToolAuditLog, error) {
	var a models.ToolAuditLog
	if err := db.Where("step_id = ?", stepID).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.Persistence, "approval: for step", err)
	}
	return &a, nil
}

// List returns audit entries matching filters, oldest first.
func List(db *gorm.DB, filters ListFilters) ([]models.ToolAuditLog, error) {
	q := db.Model(&models.ToolAuditLog{})
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if filters.TaskID != "" {
		q = q.Where("task_id = ?", filters.TaskID)
	}
	var out []models.ToolAuditLog
	if err := q.Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("approval: list: %w", err)
	}
	return out, nil
}

// CountPending returns the number of entries awaiting a decision.
func CountPending(db *gorm.DB) (int64, error) {
	var n int64
	if err := db.Model(&models.ToolAuditLog{}).Where("status = ?", StatusPending).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("approval: count pending: %w", err)
	}
	return n, nil
}

// Decide records an operator decision on a pending entry. Only the first
// decision wins; deciding an entry that already left pending is a Conflict.
func Decide(db *gorm.DB, id, decision, approver, reason string) (*models.ToolAuditLog, error) {
	const op = "approval: decide"
	var to string
	switch decision {
	case DecisionApprove:
		to = StatusApproved
	case DecisionReject:
		to = StatusRejected
	default:
		return nil, fault.New(fault.Validation, op, "unknown decision %q (expected approve or reject)", decision)
	}
	if approver == "" {
		return nil, fault.New(fault.Validation, op, "approver is required")
	}
	a, err := Get(db, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":      to,
		"approver":    approver,
		"approved_at": now,
	}
	if to == StatusRejected {
		updates["rejection_reason"] = reason
	}
	result := db.Model(&models.ToolAuditLog{}).Where("id = ? AND status = ?", id, StatusPending).Updates(updates)
	if result.Error != nil {
		return nil, fault.Wrap(fault.Persistence, op, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fault.New(fault.Conflict, op, "audit entry %s is already %s", id, a.Status)
	}
	return Get(db, id)
}

// MarkExecuted records the output of an approved tool call.
func MarkExecuted(db *gorm.DB, id string, output interface{}) error {
	const op = "approval: mark executed"
	raw, err := json.Marshal(output)
	if err != nil {
		return fault.Wrap(fault.Internal, op, err)
	}
	result := db.Model(&models.ToolAuditLog{}).Where("id = ? AND status = ?", id, StatusApproved).
		Updates(map[string]interface{}{"status": StatusExecuted, "output_result": datatypes.JSON(raw)})
	if result.Error != nil {
		return fault.Wrap(fault.Persistence, op, result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.New(fault.Conflict, op, "audit entry %s is not approved", id)
	}
	return nil
}
