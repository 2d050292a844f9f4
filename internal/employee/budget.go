package employee

import (
	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/models"
	"gorm.io/gorm"
)

// Charge adds tokens to an employee's salary usage. The check and the
// increment are one conditional update, so concurrent charges can never push
// usage past the limit. A charge that would breach the limit leaves usage
// unchanged, suspends the employee and returns a BudgetExceeded error.
//
// When db is a transaction that the caller rolls back, the suspension is
// rolled back with it; callers in that position call Suspend afterwards.
func Charge(db *gorm.DB, id string, tokens int64) error {
	const op = "employee: charge"
	if tokens < 0 {
		return fault.New(fault.Validation, op, "tokens must not be negative, got %d", tokens)
	}
	if tokens == 0 {
		return nil
	}

	result := db.Model(&models.Employee{}).
		Where("id = ? AND work_state IN ? AND salary_token_used + ? <= salary_token_limit",
			id, []string{StateOnline, StateBusy}, tokens).
		Update("salary_token_used", gorm.Expr("salary_token_used + ?", tokens))
	if result.Error != nil {
		return fault.Wrap(fault.Persistence, op, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	emp, err := Get(db, id)
	if err != nil {
		return err
	}
	switch emp.WorkState {
	case StateRetired:
		return fault.New(fault.Validation, op, "employee %s is retired", id)
	case StateProvisioning:
		return fault.New(fault.Validation, op, "employee %s is not online", id)
	case StateSuspended:
		return fault.New(fault.BudgetExceeded, op, "employee %s is suspended", id)
	}
	if err := Suspend(db, id); err != nil {
		return err
	}
	return fault.New(fault.BudgetExceeded, op, "employee %s: %d + %d exceeds limit %d",
		id, emp.SalaryTokenUsed, tokens, emp.SalaryTokenLimit)
}

// RaiseLimit sets a new salary token limit. A suspended employee whose new
// limit leaves headroom above current usage goes back online.
func RaiseLimit(db *gorm.DB, id string, newLimit int64) error {
	const op = "employee: raise limit"
	return db.Transaction(func(tx *gorm.DB) error {
		emp, err := Get(tx, id)
		if err != nil {
			return err
		}
		if emp.WorkState == StateRetired {
			return fault.New(fault.Validation, op, "employee %s is retired", id)
		}
		if newLimit < emp.SalaryTokenUsed {
			return fault.New(fault.Validation, op, "limit %d is below current usage %d", newLimit, emp.SalaryTokenUsed)
		}
		if err := tx.Model(&models.Employee{}).Where("id = ?", id).
			Update("salary_token_limit", newLimit).Error; err != nil {
			return fault.Wrap(fault.Persistence, op, err)
		}
		if emp.WorkState == StateSuspended && newLimit > emp.SalaryTokenUsed {
			return SetWorkState(tx, id, StateOnline)
		}
		return nil
	})
}

// Acquire marks the employee busy for one more running step. Only online or
// busy employees can take work.
func Acquire(db *gorm.DB, id string) error {
	const op = "employee: acquire"
	result := db.Model(&models.Employee{}).
		Where("id = ? AND work_state IN ?", id, []string{StateOnline, StateBusy}).
		Updates(map[string]interface{}{
			"active_steps":  gorm.Expr("active_steps + 1"),
			"work_state":    StateBusy,
			"online_status": StatusOnline,
		})
	if result.Error != nil {
		return fault.Wrap(fault.Persistence, op, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	emp, err := Get(db, id)
	if err != nil {
		return err
	}
	if emp.WorkState == StateSuspended {
		return fault.New(fault.BudgetExceeded, op, "employee %s is suspended", id)
	}
	return fault.New(fault.Validation, op, "employee %s is %s", id, emp.WorkState)
}

// Release ends one running step. The employee returns online once no steps
// remain.
func Release(db *gorm.DB, id string) error {
	const op = "employee: release"
	if err := db.Model(&models.Employee{}).
		Where("id = ? AND active_steps > 0", id).
		Update("active_steps", gorm.Expr("active_steps - 1")).Error; err != nil {
		return fault.Wrap(fault.Persistence, op, err)
	}
	if err := db.Model(&models.Employee{}).
		Where("id = ? AND work_state = ? AND active_steps = 0", id, StateBusy).
		Update("work_state", StateOnline).Error; err != nil {
		return fault.Wrap(fault.Persistence, op, err)
	}
	return nil
}

// RecordOutcome counts a finished step toward the employee's experience and
// recomputes its KPI score as the percentage of successful steps.
func RecordOutcome(db *gorm.DB, id string, succeeded bool) error {
	const op = "employee: record outcome"
	col := "steps_failed"
	if succeeded {
		col = "steps_succeeded"
	}
	if err := db.Model(&models.Employee{}).Where("id = ?", id).
		Update(col, gorm.Expr(col+" + 1")).Error; err != nil {
		return fault.Wrap(fault.Persistence, op, err)
	}
	if err := db.Model(&models.Employee{}).
		Where("id = ? AND steps_succeeded + steps_failed > 0", id).
		Update("kpi_score", gorm.Expr("steps_succeeded * 100.0 / (steps_succeeded + steps_failed)")).Error; err != nil {
		return fault.Wrap(fault.Persistence, op, err)
	}
	return nil
}
