package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobDefinition describes a class of work an employee can be provisioned for.
type JobDefinition struct {
	Key           string         `gorm:"primaryKey;size:64"`
	Name          string         `gorm:"size:128;not null"`
	Purpose       string         `gorm:"type:text"`
	InputSchema   datatypes.JSON `gorm:"type:json"`
	OutputSchema  datatypes.JSON `gorm:"type:json"`
	Constraints   datatypes.JSON `gorm:"type:json"`
	Workflow      datatypes.JSON `gorm:"type:json"`
	ModelStrategy datatypes.JSON `gorm:"type:json"`
	Version       int            `gorm:"default:1"`
	Active        bool           `gorm:"default:true;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
