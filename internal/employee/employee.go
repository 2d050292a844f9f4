// Package employee manages digital employee instances: provisioning,
// budget enforcement and work state.
package employee

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/workforce/internal/billing"
	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/job"
	"github.com/zulandar/workforce/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Work states.
const (
	StateProvisioning = "provisioning"
	StateOnline       = "online"
	StateBusy         = "busy"
	StateSuspended    = "suspended"
	StateRetired      = "retired"
)

// Online statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ValidTransitions maps each work state to its valid next states.
var ValidTransitions = map[string][]string{
	StateProvisioning: {StateOnline, StateRetired},
	StateOnline:       {StateBusy, StateSuspended, StateRetired},
	StateBusy:         {StateOnline, StateSuspended, StateRetired},
	StateSuspended:    {StateOnline, StateRetired},
}

// ProvisionOpts holds parameters for provisioning an employee.
type ProvisionOpts struct {
	ID          string // optional external ID
	JobKey      string
	TenantID    string
	WalletID    string // defaults to the tenant's wallet
	AgentID     string
	Name        string
	Title       string
	Department  string
	BudgetLimit int64
	Experience  []byte
}

// ListFilters holds optional filters for listing employees.
type ListFilters struct {
	TenantID  string
	JobKey    string
	WorkState string
}

// GenerateID creates an employee ID in emp-xxxxxxxx format.
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("employee: generate ID: %w", err)
	}
	return "emp-" + hex.EncodeToString(b), nil
}

// Provision creates an employee bound to an active job and brings it online.
func Provision(db *gorm.DB, opts ProvisionOpts) (*models.Employee, error) {
	const op = "employee: provision"
	if opts.TenantID == "" {
		return nil, fault.New(fault.Validation, op, "tenant is required")
	}
	if opts.BudgetLimit < 0 {
		return nil, fault.New(fault.Validation, op, "budget limit must not be negative")
	}
	def, err := job.Resolve(db, opts.JobKey)
	if err != nil {
		return nil, err
	}

	if opts.WalletID == "" {
		w, err := billing.WalletForOwner(db, opts.TenantID)
		if err != nil {
			return nil, err
		}
		opts.WalletID = w.ID
	} else if _, err := billing.GetWallet(db, opts.WalletID); err != nil {
		return nil, err
	}

	if opts.ID == "" {
		if opts.ID, err = GenerateID(); err != nil {
			return nil, err
		}
	}
	if opts.Name == "" {
		opts.Name = def.Name
	}

	emp := models.Employee{
		ID:               opts.ID,
		TenantID:         opts.TenantID,
		AgentID:          opts.AgentID,
		JobKey:           def.Key,
		WalletID:         opts.WalletID,
		Name:             opts.Name,
		Title:            opts.Title,
		Department:       opts.Department,
		OnlineStatus:     StatusOffline,
		WorkState:        StateProvisioning,
		SalaryTokenLimit: opts.BudgetLimit,
		Experience:       datatypes.JSON(opts.Experience),
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&emp).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fault.New(fault.Conflict, op, "employee %s already exists", opts.ID)
			}
			return fault.Wrap(fault.Persistence, op, err)
		}
		return SetWorkState(tx, emp.ID, StateOnline)
	})
	if err != nil {
		return nil, err
	}
	emp.WorkState = StateOnline
	emp.OnlineStatus = StatusOnline
	return &emp, nil
}

// Get retrieves an employee by ID.
func Get(db *gorm.DB, id string) (*models.Employee, error) {
	var emp models.Employee
	if err := db.Where("id = ?", id).First(&emp).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "employee: get", "employee not found: %s", id)
		}
		return nil, fault.Wrap(fault.Persistence, "employee: get "+id, err)
	}
	return &emp, nil
}

// List returns employees matching the given filters, oldest first.
func List(db *gorm.DB, filters ListFilters) ([]models.Employee, error) {
	q := db.Model(&models.Employee{})
	if filters.TenantID != "" {
		q = q.Where("tenant_id = ?", filters.TenantID)
	}
	if filters.JobKey != "" {
		q = q.Where("job_key = ?", filters.JobKey)
	}
	if filters.WorkState != "" {
		q = q.Where("work_state = ?", filters.WorkState)
	}
	var emps []models.Employee
	if err := q.Order("created_at ASC, id ASC").Find(&emps).Error; err != nil {
		return nil, fmt.Errorf("employee: list: %w", err)
	}
	return emps, nil
}

// SetWorkState moves an employee to a new work state, validating the
// transition against ValidTransitions.
func SetWorkState(db *gorm.DB, id, state string) error {
	emp, err := Get(db, id)
	if err != nil {
		return err
	}
	if emp.WorkState == state {
		return nil
	}
	if !isValidTransition(emp.WorkState, state) {
		return fault.New(fault.Validation, "employee: set work state",
			"invalid transition from %q to %q; valid transitions: %v", emp.WorkState, state, ValidTransitions[emp.WorkState])
	}
	updates := map[string]interface{}{"work_state": state}
	switch state {
	case StateOnline, StateBusy:
		updates["online_status"] = StatusOnline
	case StateRetired:
		updates["online_status"] = StatusOffline
		updates["retired_at"] = time.Now()
	}
	// Conditional on the state we validated against.
	result := db.Model(&models.Employee{}).Where("id = ? AND work_state = ?", id, emp.WorkState).Updates(updates)
	if result.Error != nil {
		return fault.Wrap(fault.Persistence, "employee: set work state "+id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.New(fault.Conflict, "employee: set work state", "employee %s changed state concurrently", id)
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

// Retire permanently deactivates an employee. Retiring twice is a no-op.
func Retire(db *gorm.DB, id string) error {
	emp, err := Get(db, id)
	if err != nil {
		return err
	}
	if emp.WorkState == StateRetired {
		return nil
	}
	return SetWorkState(db, id, StateRetired)
}

// Suspend moves an employee to suspended unless it is already suspended or
// retired.
func Suspend(db *gorm.DB, id string) error {
	result := db.Model(&models.Employee{}).
		Where("id = ? AND work_state IN ?", id, []string{StateOnline, StateBusy}).
		Update("work_state", StateSuspended)
	if result.Error != nil {
		return fault.Wrap(fault.Persistence, "employee: suspend "+id, result.Error)
	}
	return nil
}
