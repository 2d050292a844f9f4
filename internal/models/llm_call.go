package models

import "time"

// LLMCallLog records one metered model invocation. It is written when the
// call returns and is the billing source of truth for model cost. Billed is
// set in the transaction that debits the call's cost.
type LLMCallLog struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	StepID           uint   `gorm:"index"`
	TaskID           string `gorm:"size:64;index"`
	EmployeeID       string `gorm:"size:64;index"`
	AgentID          string `gorm:"size:64"`
	Purpose          string `gorm:"size:16;index"` // step or plan
	Model            string `gorm:"size:64"`
	Attempt          int
	PromptTokens     int64
	CompletionTokens int64
	Cost             int64
	LatencyMs        int64
	Success          bool
	Error            string `gorm:"type:text"`
	Billed           bool
	CreatedAt        time.Time
}
