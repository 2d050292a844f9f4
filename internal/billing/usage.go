package billing

import (
	"fmt"

	"github.com/zulandar/workforce/internal/models"
	"gorm.io/gorm"
)

// Usage aggregates metered model calls.
type Usage struct {
	Calls            int64
	FailedCalls      int64
	PromptTokens     int64
	CompletionTokens int64
	Cost             int64
	Model            string
}

// TotalTokens is prompt plus completion tokens.
func (u Usage) TotalTokens() int64 {
	return u.PromptTokens + u.CompletionTokens
}

// UsageByTask returns aggregated model usage for one task.
func UsageByTask(db *gorm.DB, taskID string) (Usage, error) {
	u, err := usage(db, "task_id = ?", taskID)
	if err != nil {
		return u, fmt.Errorf("billing: usage for task %s: %w", taskID, err)
	}
	return u, nil
}

// UsageByEmployee returns aggregated model usage for one employee.
func UsageByEmployee(db *gorm.DB, employeeID string) (Usage, error) {
	u, err := usage(db, "employee_id = ?", employeeID)
	if err != nil {
		return u, fmt.Errorf("billing: usage for employee %s: %w", employeeID, err)
	}
	return u, nil
}

func usage(db *gorm.DB, where string, arg interface{}) (Usage, error) {
	var u Usage
	err := db.Model(&models.LLMCallLog{}).
		Select("COUNT(*) as calls, COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END),0) as failed_calls, "+
			"COALESCE(SUM(prompt_tokens),0) as prompt_tokens, COALESCE(SUM(completion_tokens),0) as completion_tokens, "+
			"COALESCE(SUM(cost),0) as cost").
		Where(where, arg).
		Scan(&u).Error
	if err != nil {
		return u, err
	}

	// Most recent model.
	var last models.LLMCallLog
	err = db.Where(where, arg).Where("model != ?", "").Order("id DESC").First(&last).Error
	if err == nil {
		u.Model = last.Model
	}
	return u, nil
}

// EmployeeUsageMap returns usage for several employees in one query.
func EmployeeUsageMap(db *gorm.DB, employeeIDs []string) (map[string]Usage, error) {
	result := make(map[string]Usage)
	if len(employeeIDs) == 0 {
		return result, nil
	}

	type row struct {
		EmployeeID       string `gorm:"column:employee_id"`
		Calls            int64  `gorm:"column:calls"`
		PromptTokens     int64  `gorm:"column:prompt_tokens"`
		CompletionTokens int64  `gorm:"column:completion_tokens"`
		Cost             int64  `gorm:"column:cost"`
	}
	var rows []row
	err := db.Model(&models.LLMCallLog{}).
		Select("employee_id, COUNT(*) as calls, COALESCE(SUM(prompt_tokens),0) as prompt_tokens, "+
			"COALESCE(SUM(completion_tokens),0) as completion_tokens, COALESCE(SUM(cost),0) as cost").
		Where("employee_id IN ?", employeeIDs).
		Group("employee_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("billing: batch usage: %w", err)
	}
	for _, r := range rows {
		result[r.EmployeeID] = Usage{
			Calls:            r.Calls,
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			Cost:             r.Cost,
		}
	}
	return result, nil
}
