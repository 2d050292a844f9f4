// Package metering wraps the model invoker so that every call made on behalf
// of an employee is logged, reserved against the wallet before it is sent,
// and billed when the unit of work that made it settles.
package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/workforce/internal/billing"
	"github.com/zulandar/workforce/internal/employee"
	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/llm"
	"github.com/zulandar/workforce/internal/metrics"
	"github.com/zulandar/workforce/internal/models"
	"gorm.io/gorm"
)

// Call purposes recorded on LLMCallLog rows.
const (
	PurposeStep = "step"
	PurposePlan = "plan"
)

// Options are shared by every Meter built from them. DB and Model are
// required. Hold is the amount reserved on the wallet before each call; zero
// disables reservations.
type Options struct {
	DB      *gorm.DB
	Model   llm.Invoker
	Pricing llm.Pricing
	Metrics *metrics.Metrics
	Hold    int64
}

// Scope identifies the unit of work a Meter bills. Ref is the ledger
// reference of the eventual debit; holds are keyed under it.
type Scope struct {
	Purpose    string
	TaskID     string
	StepID     uint
	EmployeeID string
	AgentID    string
	WalletID   string
	Attempt    int
	Ref        billing.Ref
}

// Bill is what a Meter charged when it settled.
type Bill struct {
	Cost           int64
	Tokens         int64
	Calls          int
	SalaryBreached bool // the employee's token budget refused the charge
}

// Meter is an llm.Invoker scoped to one unit of work. Every call, failed or
// not, leaves one LLMCallLog row; successful calls accumulate the cost and
// tokens charged by Settle. It is safe for concurrent use.
type Meter struct {
	opts  Options
	scope Scope

	mu     sync.Mutex
	seq    int
	holds  int
	closed bool
	cost   int64
	tokens int64
	calls  int
	rows   []uint
}

// New returns a Meter for scope.
func New(opts Options, scope Scope) *Meter {
	if scope.Purpose == "" {
		scope.Purpose = PurposeStep
	}
	return &Meter{opts: opts, scope: scope}
}

// HoldPrefix is the related-id prefix of every hold a Meter for ref places.
func HoldPrefix(ref billing.Ref) string {
	return ref.RelatedID + ":hold:"
}

// Invoke implements llm.Invoker.
func (m *Meter) Invoke(ctx context.Context, modelID, prompt string) (llm.Completion, error) {
	op := "metering: " + m.scope.Purpose + " model call"
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	if err := m.hold(seq); err != nil {
		return llm.Completion{}, err
	}

	start := time.Now()
	c, err := m.opts.Model.Invoke(ctx, modelID, prompt)
	latency := c.Latency
	if latency == 0 {
		latency = time.Since(start)
	}

	entry := models.LLMCallLog{
		StepID:     m.scope.StepID,
		TaskID:     m.scope.TaskID,
		EmployeeID: m.scope.EmployeeID,
		AgentID:    m.scope.AgentID,
		Purpose:    m.scope.Purpose,
		Model:      modelID,
		Attempt:    m.scope.Attempt,
		LatencyMs:  latency.Milliseconds(),
	}
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = fault.Wrap(fault.Timeout, op, err)
		case ctx.Err() != nil:
			err = fault.Wrap(fault.Cancelled, op, err)
		case fault.KindOf(err) == fault.Internal:
			err = fault.Wrap(fault.ExternalCall, op, err)
		}
	} else {
		entry.PromptTokens = c.PromptTokens
		entry.CompletionTokens = c.CompletionTokens
		entry.Cost, err = m.opts.Pricing.Cost(modelID, c.PromptTokens, c.CompletionTokens)
	}
	entry.Success = err == nil
	if err != nil {
		entry.Error = err.Error()
	}

	if dbErr := m.opts.DB.Create(&entry).Error; dbErr != nil {
		return llm.Completion{}, fault.Wrap(fault.Persistence, op, dbErr)
	}
	m.opts.Metrics.RecordModelCall(modelID, err == nil)
	if err != nil {
		return llm.Completion{}, err
	}

	m.mu.Lock()
	m.cost += entry.Cost
	m.tokens += c.TotalTokens()
	m.calls++
	m.rows = append(m.rows, entry.ID)
	m.mu.Unlock()
	return c, nil
}

// hold reserves the per-call amount before call seq is sent. A wallet that
// cannot cover it refuses the call. The freeze runs under mu so that Release
// sees every hold placed before it closed the meter.
func (m *Meter) hold(seq int) error {
	if m.opts.Hold <= 0 || m.scope.WalletID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fault.New(fault.Cancelled, "metering: hold", "%s is already released", m.scope.Ref.RelatedID)
	}
	ref := billing.Ref{
		RelatedID:   fmt.Sprintf("%s%d", HoldPrefix(m.scope.Ref), seq),
		RelatedType: m.scope.Ref.RelatedType,
		Remark:      "hold for " + m.scope.Ref.RelatedID,
	}
	if _, err := billing.Freeze(m.opts.DB, m.scope.WalletID, m.opts.Hold, ref); err != nil {
		return err
	}
	m.holds++
	return nil
}

// Totals returns what the successful calls so far would be billed.
func (m *Meter) Totals() Bill {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Bill{Cost: m.cost, Tokens: m.tokens, Calls: m.calls}
}

// Settle bills the meter inside tx: holds are released, the cost is debited
// under the scope's ref, the tokens are charged to the employee and the call
// rows are marked billed. A salary breach sets Bill.SalaryBreached and
// returns fault.BudgetExceeded; the caller's rollback undoes the suspension
// employee.Charge applied, so the caller re-applies it afterwards.
func (m *Meter) Settle(tx *gorm.DB) (Bill, error) {
	const op = "metering: settle"
	bill := m.Totals()
	m.mu.Lock()
	rows := append([]uint(nil), m.rows...)
	m.mu.Unlock()

	if m.scope.WalletID != "" {
		if _, err := ReleaseHolds(tx, m.scope.WalletID, HoldPrefix(m.scope.Ref)); err != nil {
			return bill, err
		}
		if bill.Cost > 0 {
			if _, err := billing.Debit(tx, m.scope.WalletID, bill.Cost, m.scope.Ref); err != nil {
				return bill, err
			}
		}
	}
	if bill.Tokens > 0 && m.scope.EmployeeID != "" {
		if err := employee.Charge(tx, m.scope.EmployeeID, bill.Tokens); err != nil {
			bill.SalaryBreached = fault.Is(err, fault.BudgetExceeded)
			return bill, err
		}
	}
	if len(rows) > 0 {
		if err := tx.Model(&models.LLMCallLog{}).Where("id IN ?", rows).Update("billed", true).Error; err != nil {
			return bill, fault.Wrap(fault.Persistence, op, err)
		}
	}
	return bill, nil
}

// Release returns every hold the meter placed and refuses further calls. It
// is used when the unit of work fails and nothing will be billed.
func (m *Meter) Release() (int64, error) {
	m.mu.Lock()
	m.closed = true
	holds := m.holds
	m.mu.Unlock()
	if holds == 0 || m.scope.WalletID == "" {
		return 0, nil
	}
	return ReleaseHolds(m.opts.DB, m.scope.WalletID, HoldPrefix(m.scope.Ref))
}

// ReleaseHolds unfreezes every reservation on walletID whose related id
// starts with prefix and returns the amount released. Each unfreeze reuses
// its hold's related id, so a hold is released at most once.
func ReleaseHolds(db *gorm.DB, walletID, prefix string) (int64, error) {
	const op = "metering: release holds"
	var holds []models.BillingTransaction
	err := db.Where("wallet_id = ? AND type = ? AND related_id LIKE ?", walletID, billing.TypeFreeze, prefix+"%").
		Order("id ASC").Find(&holds).Error
	if err != nil {
		return 0, fault.Wrap(fault.Persistence, op, err)
	}
	var released int64
	for _, h := range holds {
		res, err := billing.Unfreeze(db, walletID, h.FrozenDelta, billing.Ref{
			RelatedID:   h.RelatedID,
			RelatedType: h.RelatedType,
			Remark:      "release " + h.RelatedID,
		})
		if err != nil {
			return released, err
		}
		if !res.Duplicate {
			released += h.FrozenDelta
		}
	}
	return released, nil
}
