package task

import (
	"errors"
	"fmt"

	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Step statuses.
const (
	StepPending          = "pending"
	StepRunning          = "running"
	StepSucceeded        = "succeeded"
	StepFailed           = "failed"
	StepAwaitingApproval = "awaiting_approval"
	StepRejected         = "rejected"
	StepSkipped          = "skipped"
)

// StepDone reports whether a step status is final.
func StepDone(status string) bool {
	switch status {
	case StepSucceeded, StepFailed, StepRejected, StepSkipped:
		return true
	}
	return false
}

// StepSpec describes one step to append to a task. Steps sharing a non-zero
// Group are independent of each other.
type StepSpec struct {
	SkillKey string
	Group    int
	Input    []byte
}

// AppendSteps adds steps after the task's existing history, continuing the
// step index sequence. Existing steps are never rewritten.
func AppendSteps(db *gorm.DB, taskID string, specs []StepSpec) ([]models.TaskStep, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	var steps []models.TaskStep
	err := db.Transaction(func(tx *gorm.DB) error {
		var next int
		if err := tx.Model(&models.TaskStep{}).
			Select("COALESCE(MAX(step_index), -1) + 1").
			Where("task_id = ?", taskID).
			Scan(&next).Error; err != nil {
			return err
		}
		for i, s := range specs {
			steps = append(steps, models.TaskStep{
				TaskID:    taskID,
				StepIndex: next + i,
				SkillKey:  s.SkillKey,
				Group:     s.Group,
				Input:     datatypes.JSON(s.Input),
				Status:    StepPending,
			})
		}
		return tx.Create(&steps).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fault.Wrap(fault.Conflict, "task: append steps to "+taskID, err)
		}
		return nil, fault.Wrap(fault.Persistence, "task: append steps to "+taskID, err)
	}
	return steps, nil
}

// Steps returns a task's steps in index order.
func Steps(db *gorm.DB, taskID string) ([]models.TaskStep, error) {
	var steps []models.TaskStep
	if err := db.Where("task_id = ?", taskID).Order("step_index ASC").Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("task: steps of %s: %w", taskID, err)
	}
	return steps, nil
}

// GetStep retrieves a step by ID.
func GetStep(db *gorm.DB, id uint) (*models.TaskStep, error) {
	var s models.TaskStep
	if err := db.First(&s, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "task: get step", "step not found: %d", id)
		}
		return nil, fault.Wrap(fault.Persistence, "task: get step", err)
	}
	return &s, nil
}

// UpdateStep applies column updates to a step.
func UpdateStep(db *gorm.DB, id uint, updates map[string]interface{}) error {
	result := db.Model(&models.TaskStep{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fault.Wrap(fault.Persistence, fmt.Sprintf("task: update step %d", id), result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.New(fault.NotFound, "task: update step", "step not found: %d", id)
	}
	return nil
}

// SkipPending marks every pending step of a task skipped and returns how many
// were changed.
func SkipPending(db *gorm.DB, taskID string) (int64, error) {
	result := db.Model(&models.TaskStep{}).
		Where("task_id = ? AND status = ?", taskID, StepPending).
		Update("status", StepSkipped)
	if result.Error != nil {
		return 0, fmt.Errorf("task: skip pending steps of %s: %w", taskID, result.Error)
	}
	return result.RowsAffected, nil
}

// UpdateProgress recomputes a task's progress as the share of finished steps.
// Progress reaches 100 only on completion.
func UpdateProgress(db *gorm.DB, taskID string) (int, error) {
	var counts struct {
		Total int64
		Done  int64
	}
	if err := db.Model(&models.TaskStep{}).
		Select("COUNT(*) as total, COALESCE(SUM(CASE WHEN status IN ? THEN 1 ELSE 0 END),0) as done",
			[]string{StepSucceeded, StepSkipped}).
		Where("task_id = ?", taskID).
		Scan(&counts).Error; err != nil {
		return 0, fmt.Errorf("task: progress of %s: %w", taskID, err)
	}
	progress := 0
	if counts.Total > 0 {
		progress = int(counts.Done * 100 / counts.Total)
	}
	if progress >= 100 {
		progress = 99
	}
	if err := db.Model(&models.Task{}).Where("id = ?", taskID).Update("progress", progress).Error; err != nil {
		return 0, fmt.Errorf("task: update progress of %s: %w", taskID, err)
	}
	return progress, nil
}

// FirstFailure returns the earliest failed or rejected step of a task, or nil.
func FirstFailure(db *gorm.DB, taskID string) (*models.TaskStep, error) {
	var s models.TaskStep
	err := db.Where("task_id = ? AND status IN ?", taskID, []string{StepFailed, StepRejected}).
		Order("step_index ASC").First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("task: first failure of %s: %w", taskID, err)
	}
	return &s, nil
}
