package models

import (
	"time"

	"gorm.io/datatypes"
)

// Task is one request for work, decomposed into steps and tracked to a
// terminal state. ParentTaskID is a lookup-only back-reference.
type Task struct {
	ID           string `gorm:"primaryKey;size:64"`
	Title        string `gorm:"size:256"`
	Description  string `gorm:"type:text"`
	Initiator    string `gorm:"size:64"`
	EmployeeID   string `gorm:"size:64;not null;index"`
	JobKey       string `gorm:"size:64;not null"`
	JobVersion   int
	Status       string         `gorm:"size:16;default:created;index"`
	Progress     int            `gorm:"default:0"`
	Inputs       datatypes.JSON `gorm:"type:json"`
	PlanData     datatypes.JSON `gorm:"type:json"`
	ResultData   datatypes.JSON `gorm:"type:json"`
	ErrorKind    string         `gorm:"size:32"`
	ErrorMessage string         `gorm:"type:text"`
	ParentTaskID *string        `gorm:"size:64;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time

	Steps []TaskStep `gorm:"foreignKey:TaskID"`
}

// TaskStep is one unit of execution within a task. StepIndex is unique and
// monotonic within its task; steps sharing a non-zero Group are independent.
type TaskStep struct {
	ID           uint           `gorm:"primaryKey;autoIncrement"`
	TaskID       string         `gorm:"size:64;not null;uniqueIndex:idx_task_step"`
	StepIndex    int            `gorm:"not null;uniqueIndex:idx_task_step"`
	SkillKey     string         `gorm:"size:64;not null"`
	Group        int            `gorm:"column:step_group;default:0"`
	Input        datatypes.JSON `gorm:"type:json"`
	Output       datatypes.JSON `gorm:"type:json"`
	Status       string         `gorm:"size:20;default:pending;index"`
	Attempt      int            `gorm:"default:0"`
	DurationMs   int64
	ErrorKind    string `gorm:"size:32"`
	ErrorMessage string `gorm:"type:text"`
	AuditID      string `gorm:"size:64"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}
