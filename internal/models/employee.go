package models

import (
	"time"

	"gorm.io/datatypes"
)

// Employee is a provisioned, budgeted instance of a job for one tenant.
type Employee struct {
	ID               string         `gorm:"primaryKey;size:64"`
	TenantID         string         `gorm:"size:64;not null;index"`
	AgentID          string         `gorm:"size:64"`
	JobKey           string         `gorm:"size:64;not null;index"`
	WalletID         string         `gorm:"size:64"`
	Name             string         `gorm:"size:128"`
	Title            string         `gorm:"size:128"`
	Department       string         `gorm:"size:64"`
	OnlineStatus     string         `gorm:"size:16;default:offline"`
	WorkState        string         `gorm:"size:16;default:provisioning;index"`
	SalaryTokenUsed  int64          `gorm:"not null;default:0"`
	SalaryTokenLimit int64          `gorm:"not null;default:0"`
	ActiveSteps      int            `gorm:"not null;default:0"`
	KPIScore         float64        `gorm:"default:0"`
	StepsSucceeded   int64          `gorm:"default:0"`
	StepsFailed      int64          `gorm:"default:0"`
	Experience       datatypes.JSON `gorm:"type:json"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	RetiredAt        *time.Time
}
