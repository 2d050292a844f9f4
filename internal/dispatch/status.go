package dispatch

import (
	"encoding/json"
	"time"

	"github.com/zulandar/workforce/internal/task"
	"gorm.io/gorm"
)

// StepStatus is the externally visible state of one step.
type StepStatus struct {
	Index        int    `json:"index"`
	Skill        string `json:"skill"`
	Group        int    `json:"group,omitempty"`
	Status       string `json:"status"`
	Attempt      int    `json:"attempt"`
	DurationMs   int64  `json:"duration_ms"`
	AuditID      string `json:"audit_id,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// TaskStatus is the last durably committed state of a task.
type TaskStatus struct {
	ID           string          `json:"id"`
	Title        string          `json:"title,omitempty"`
	EmployeeID   string          `json:"employee_id"`
	JobKey       string          `json:"job_key"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	FailedStep   *int            `json:"failed_step,omitempty"` // set only on failed tasks
	ParentTaskID string          `json:"parent_task_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Steps        []StepStatus    `json:"steps"`
}

// GetTaskStatus reports a task's status, progress and steps.
func (e *Engine) GetTaskStatus(id string) (*TaskStatus, error) {
	return GetTaskStatus(e.db, id)
}

// GetTaskStatus reads a task's status straight from the database.
func GetTaskStatus(db *gorm.DB, id string) (*TaskStatus, error) {
	t, err := task.Get(db, id)
	if err != nil {
		return nil, err
	}
	st := &TaskStatus{
		ID:           t.ID,
		Title:        t.Title,
		EmployeeID:   t.EmployeeID,
		JobKey:       t.JobKey,
		Status:       t.Status,
		Progress:     t.Progress,
		ErrorKind:    t.ErrorKind,
		ErrorMessage: t.ErrorMessage,
		Result:       json.RawMessage(t.ResultData),
		StartedAt:    t.StartedAt,
		FinishedAt:   t.FinishedAt,
		Steps:        make([]StepStatus, 0, len(t.Steps)),
	}
	if t.ParentTaskID != nil {
		st.ParentTaskID = *t.ParentTaskID
	}
	for _, s := range t.Steps {
		st.Steps = append(st.Steps, StepStatus{
			Index:        s.StepIndex,
			Skill:        s.SkillKey,
			Group:        s.Group,
			Status:       s.Status,
			Attempt:      s.Attempt,
			DurationMs:   s.DurationMs,
			AuditID:      s.AuditID,
			ErrorKind:    s.ErrorKind,
			ErrorMessage: s.ErrorMessage,
		})
		if t.Status == task.StatusFailed && st.FailedStep == nil &&
			(s.Status == task.StepFailed || s.Status == task.StepRejected) {
			idx := s.StepIndex
			st.FailedStep = &idx
		}
	}
	return st, nil
}
