package models

import (
	"time"

	"gorm.io/datatypes"
)

// SkillDefinition is a registered capability a task step can invoke.
type SkillDefinition struct {
	Key         string         `gorm:"primaryKey;size:64"`
	Name        string         `gorm:"size:128"`
	Description string         `gorm:"type:text"`
	ActionName  string         `gorm:"size:64;not null"`
	ParamSchema datatypes.JSON `gorm:"type:json"`
	Builtin     bool           `gorm:"default:false"`
	Script      string         `gorm:"type:text"`
	RiskLevel   string         `gorm:"size:16;default:low"`
	Model       string         `gorm:"size:64"`
	MaxAttempts int
	Active      bool `gorm:"default:true;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
