package models

import (
	"time"

	"gorm.io/datatypes"
)

// ToolAuditLog records a gated tool invocation and its approval decision.
type ToolAuditLog struct {
	ID              string         `gorm:"primaryKey;size:64"`
	CorrelationID   string         `gorm:"size:64;index"`
	TaskID          string         `gorm:"size:64;not null;index"`
	StepID          uint           `gorm:"not null;uniqueIndex"`
	EmployeeID      string         `gorm:"size:64"`
	ToolName        string         `gorm:"size:64;not null"`
	InputArgs       datatypes.JSON `gorm:"type:json"`
	OutputResult    datatypes.JSON `gorm:"type:json"`
	RiskLevel       string         `gorm:"size:16"`
	Status          string         `gorm:"size:20;default:pending_approval;index"`
	Approver        string         `gorm:"size:64"`
	RejectionReason string         `gorm:"type:text"`
	ApprovedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
