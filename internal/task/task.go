// Package task provides task and step records: creation, status transitions,
// step history and parent/child aggregation.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Task statuses.
const (
	StatusCreated   = "created"
	StatusPlanning  = "planning"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ValidTransitions maps each task status to its valid next statuses.
var ValidTransitions = map[string][]string{
	StatusCreated:  {StatusPlanning, StatusFailed, StatusCancelled},
	StatusPlanning: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusCancelled},
}

// IsTerminal reports whether a task status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CreateOpts holds parameters for creating a task.
type CreateOpts struct {
	Title        string
	Description  string
	Initiator    string
	EmployeeID   string
	JobKey       string
	Inputs       []byte
	ParentTaskID string
}

// ListFilters holds optional filters for listing tasks.
type ListFilters struct {
	Status       string
	EmployeeID   string
	ParentTaskID string
	Limit        int
}

// StatusCount holds a status and its count for children summaries.
type StatusCount struct {
	Status string
	Count  int
}

// Create inserts a task in the created state with a fresh execution ID.
func Create(db *gorm.DB, opts CreateOpts) (*models.Task, error) {
	const op = "task: create"
	if opts.EmployeeID == "" || opts.JobKey == "" {
		return nil, fault.New(fault.Validation, op, "employee and job are required")
	}
	t := models.Task{
		ID:          uuid.NewString(),
		Title:       opts.Title,
		Description: opts.Description,
		Initiator:   opts.Initiator,
		EmployeeID:  opts.EmployeeID,
		JobKey:      opts.JobKey,
		Status:      StatusCreated,
		Inputs:      datatypes.JSON(opts.Inputs),
	}
	if opts.ParentTaskID != "" {
		if _, err := Get(db, opts.ParentTaskID); err != nil {
			return nil, err
		}
		t.ParentTaskID = &opts.ParentTaskID
	}
	if err := db.Create(&t).Error; err != nil {
		return nil, fault.Wrap(fault.Persistence, op, err)
	}
	return &t, nil
}

// Get retrieves a task by ID with its steps in index order.
func Get(db *gorm.DB, id string) (*models.Task, error) {
	var t models.Task
	err := db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_index ASC")
	}).Where("id = ?", id).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "task: get", "task not found: %s", id)
		}
		return nil, fault.Wrap(fault.Persistence, "task: get "+id, err)
	}
	return &t, nil
}

// List returns tasks matching the filters, newest first.
func List(db *gorm.DB, filters ListFilters) ([]models.Task, error) {
	q := db.Model(&models.Task{})
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if filters.EmployeeID != "" {
		q = q.Where("employee_id = ?", filters.EmployeeID)
	}
	if filters.ParentTaskID != "" {
		q = q.Where("parent_task_id = ?", filters.ParentTaskID)
	}
	if filters.Limit > 0 {
		q = q.Limit(filters.Limit)
	}
	var tasks []models.Task
	if err := q.Order("created_at DESC, id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("task: list: %w", err)
	}
	return tasks, nil
}

// Transition moves a task to status to, provided its current status allows
// it. The update is conditional on the observed status, so a concurrent
// transition (such as a cancel) wins or loses cleanly with a Conflict.
func Transition(db *gorm.DB, id, to string, updates map[string]interface{}) error {
	const op = "task: transition"
	t, err := Get(db, id)
	if err != nil {
		return err
	}
	if !isValidTransition(t.Status, to) {
		return fault.New(fault.Validation, op, "task %s: invalid transition from %q to %q; valid transitions: %v",
			id, t.Status, to, ValidTransitions[t.Status])
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	now := time.Now()
	if to == StatusRunning && t.StartedAt == nil {
		updates["started_at"] = now
	}
	if IsTerminal(to) {
		updates["finished_at"] = now
	}
	if to == StatusCompleted {
		updates["progress"] = 100
	}
	result := db.Model(&models.Task{}).Where("id = ? AND status = ?", id, t.Status).Updates(updates)
	if result.Error != nil {
		return fault.Wrap(fault.Persistence, op, result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.New(fault.Conflict, op, "task %s changed status concurrently", id)
	}
	return nil
}

func isValidTransition(from, to string) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Fail moves a task to failed, recording the error kind and message.
func Fail(db *gorm.DB, id string, cause error) error {
	return Transition(db, id, StatusFailed, map[string]interface{}{
		"error_kind":    string(fault.KindOf(cause)),
		"error_message": cause.Error(),
	})
}

// Cancel marks a non-terminal task cancelled. Workers check for this before
// each step; a step already running is allowed to finish.
func Cancel(db *gorm.DB, id string) error {
	t, err := Get(db, id)
	if err != nil {
		return err
	}
	if IsTerminal(t.Status) {
		return fault.New(fault.Validation, "task: cancel", "task %s is already %s", id, t.Status)
	}
	return Transition(db, id, StatusCancelled, nil)
}

// Status returns just the status column of a task.
func Status(db *gorm.DB, id string) (string, error) {
	var status string
	err := db.Model(&models.Task{}).Select("status").Where("id = ?", id).Scan(&status).Error
	if err != nil {
		return "", fault.Wrap(fault.Persistence, "task: status "+id, err)
	}
	if status == "" {
		return "", fault.New(fault.NotFound, "task: status", "task not found: %s", id)
	}
	return status, nil
}

// Children returns the direct sub-tasks of a task.
func Children(db *gorm.DB, parentID string) ([]models.Task, error) {
	var tasks []models.Task
	if err := db.Where("parent_task_id = ?", parentID).Order("created_at ASC, id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("task: children of %s: %w", parentID, err)
	}
	return tasks, nil
}

// ChildrenSummary returns status counts for all direct children of a task.
func ChildrenSummary(db *gorm.DB, parentID string) ([]StatusCount, error) {
	var results []StatusCount
	if err := db.Model(&models.Task{}).
		Select("status, COUNT(*) as count").
		Where("parent_task_id = ?", parentID).
		Group("status").
		Order("status ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("task: children summary of %s: %w", parentID, err)
	}
	return results, nil
}

// TreeNode is one task in a sub-task tree.
type TreeNode struct {
	Task     models.Task
	Children []*TreeNode
}

// Tree loads the sub-task tree rooted at id by walking children explicitly.
// maxDepth bounds the walk; zero means unbounded.
func Tree(db *gorm.DB, id string, maxDepth int) (*TreeNode, error) {
	root, err := Get(db, id)
	if err != nil {
		return nil, err
	}
	node := &TreeNode{Task: *root}
	seen := map[string]bool{id: true}
	if err := fillTree(db, node, 1, maxDepth, seen); err != nil {
		return nil, err
	}
	return node, nil
}

func fillTree(db *gorm.DB, node *TreeNode, depth, maxDepth int, seen map[string]bool) error {
	if maxDepth > 0 && depth > maxDepth {
		return nil
	}
	kids, err := Children(db, node.Task.ID)
	if err != nil {
		return err
	}
	for _, k := range kids {
		if seen[k.ID] {
			continue
		}
		seen[k.ID] = true
		child := &TreeNode{Task: k}
		if err := fillTree(db, child, depth+1, maxDepth, seen); err != nil {
			return err
		}
		node.Children = append(node.Children, child)
	}
	return nil
}

// Count returns the number of tasks in the tree, root included.
func (n *TreeNode) Count() int {
	total := 1
	for _, c := range n.Children {
		total += c.Count()
	}
	return total
}

// StatusCounts tallies task statuses across the tree, root included.
func (n *TreeNode) StatusCounts() map[string]int {
	counts := make(map[string]int)
	var walk func(*TreeNode)
	walk = func(n *TreeNode) {
		counts[n.Task.Status]++
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(n)
	return counts
}
