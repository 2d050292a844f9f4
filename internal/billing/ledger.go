package billing

import (
	"errors"
	"fmt"

	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/models"
	"gorm.io/gorm"
)

// Transaction types.
const (
	TypeDebit    = "debit"
	TypeCredit   = "credit"
	TypeFreeze   = "freeze"
	TypeUnfreeze = "unfreeze"
)

// Ref identifies the unit of work a ledger mutation pays for. RelatedID must
// be stable across retries of the same unit; it is the idempotency key.
type Ref struct {
	RelatedID   string
	RelatedType string
	Remark      string
}

// StepRef builds the reference for a step attempt.
func StepRef(stepID uint, attempt int) Ref {
	return Ref{
		RelatedID:   fmt.Sprintf("step:%d:attempt:%d", stepID, attempt),
		RelatedType: "task_step",
	}
}

// StepPrefix is the related-id prefix shared by every attempt of a step.
func StepPrefix(stepID uint) string {
	return fmt.Sprintf("step:%d:", stepID)
}

// PlanRef builds the reference for the n-th planning call of a task.
func PlanRef(taskID string, n int) Ref {
	return Ref{
		RelatedID:   fmt.Sprintf("plan:%s:%d", taskID, n),
		RelatedType: "task",
	}
}

// Result is the outcome of a ledger mutation. When Duplicate is set the
// mutation had already been applied and Transaction is the original row.
type Result struct {
	Transaction   models.BillingTransaction
	Balance       int64
	FrozenBalance int64
	Duplicate     bool
}

// Debit spends amount from the wallet's available balance.
func Debit(db *gorm.DB, walletID string, amount int64, ref Ref) (*Result, error) {
	return mutate(db, walletID, TypeDebit, amount, ref)
}

// Credit adds amount to the wallet's available balance.
func Credit(db *gorm.DB, walletID string, amount int64, ref Ref) (*Result, error) {
	return mutate(db, walletID, TypeCredit, amount, ref)
}

// Freeze reserves amount, moving it from balance to frozen balance.
func Freeze(db *gorm.DB, walletID string, amount int64, ref Ref) (*Result, error) {
	return mutate(db, walletID, TypeFreeze, amount, ref)
}

// Unfreeze releases a reservation, moving amount back to balance.
func Unfreeze(db *gorm.DB, walletID string, amount int64, ref Ref) (*Result, error) {
	return mutate(db, walletID, TypeUnfreeze, amount, ref)
}

// mutate runs apply in its own transaction (a savepoint when db is already
// one). A lost race on the idempotency index is retried once, at which point
// the winner's row is visible and the call reports a duplicate.
func mutate(db *gorm.DB, walletID, typ string, amount int64, ref Ref) (*Result, error) {
	var res *Result
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = db.Transaction(func(tx *gorm.DB) error {
			var err error
			res, err = apply(tx, walletID, typ, amount, ref)
			return err
		})
		if !fault.Is(err, fault.Conflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// apply performs one ledger mutation inside tx: idempotency lookup, a single
// conditional update of the wallet, then the transaction row.
func apply(tx *gorm.DB, walletID, typ string, amount int64, ref Ref) (*Result, error) {
	op := "billing: " + typ
	if amount <= 0 {
		return nil, fault.New(fault.Validation, op, "amount must be positive, got %d", amount)
	}
	if ref.RelatedID == "" {
		return nil, fault.New(fault.Validation, op, "related id is required")
	}

	var existing models.BillingTransaction
	err := tx.Where("wallet_id = ? AND type = ? AND related_id = ?", walletID, typ, ref.RelatedID).
		First(&existing).Error
	if err == nil {
		w, err := GetWallet(tx, walletID)
		if err != nil {
			return nil, err
		}
		return &Result{Transaction: existing, Balance: w.Balance, FrozenBalance: w.FrozenBalance, Duplicate: true}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.Wrap(fault.Persistence, op, err)
	}

	var balanceDelta, frozenDelta int64
	q := tx.Model(&models.Wallet{}).Where("id = ?", walletID)
	updates := map[string]interface{}{}
	switch typ {
	case TypeDebit:
		balanceDelta = -amount
		q = q.Where("balance >= ?", amount)
		updates["balance"] = gorm.Expr("balance - ?", amount)
		updates["lifetime_spend"] = gorm.Expr("lifetime_spend + ?", amount)
	case TypeCredit:
		balanceDelta = amount
		updates["balance"] = gorm.Expr("balance + ?", amount)
	case TypeFreeze:
		balanceDelta, frozenDelta = -amount, amount
		q = q.Where("balance >= ?", amount)
		updates["balance"] = gorm.Expr("balance - ?", amount)
		updates["frozen_balance"] = gorm.Expr("frozen_balance + ?", amount)
	case TypeUnfreeze:
		balanceDelta, frozenDelta = amount, -amount
		q = q.Where("frozen_balance >= ?", amount)
		updates["balance"] = gorm.Expr("balance + ?", amount)
		updates["frozen_balance"] = gorm.Expr("frozen_balance - ?", amount)
	default:
		return nil, fault.New(fault.Validation, "billing", "unknown transaction type %q", typ)
	}

	result := q.Updates(updates)
	if result.Error != nil {
		return nil, fault.Wrap(fault.Persistence, op, result.Error)
	}
	if result.RowsAffected == 0 {
		w, err := GetWallet(tx, walletID)
		if err != nil {
			return nil, err
		}
		if typ == TypeUnfreeze {
			return nil, fault.New(fault.BudgetExceeded, op, "wallet %s: frozen balance %d < %d", walletID, w.FrozenBalance, amount)
		}
		return nil, fault.New(fault.BudgetExceeded, op, "wallet %s: balance %d < %d", walletID, w.Balance, amount)
	}

	row := models.BillingTransaction{
		WalletID:    walletID,
		Type:        typ,
		RelatedID:   ref.RelatedID,
		RelatedType: ref.RelatedType,
		Amount:      balanceDelta,
		FrozenDelta: frozenDelta,
		Remark:      ref.Remark,
	}
	if err := tx.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fault.Wrap(fault.Conflict, op, err)
		}
		return nil, fault.Wrap(fault.Persistence, op, err)
	}

	w, err := GetWallet(tx, walletID)
	if err != nil {
		return nil, err
	}
	return &Result{Transaction: row, Balance: w.Balance, FrozenBalance: w.FrozenBalance}, nil
}

// Transactions returns a wallet's ledger in insertion order.
func Transactions(db *gorm.DB, walletID string) ([]models.BillingTransaction, error) {
	var rows []models.BillingTransaction
	if err := db.Where("wallet_id = ?", walletID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("billing: transactions for %s: %w", walletID, err)
	}
	return rows, nil
}

// Reconciliation compares a wallet with the sum of its ledger.
type Reconciliation struct {
	WalletID      string
	Balance       int64
	FrozenBalance int64
	LedgerBalance int64
	LedgerFrozen  int64
}

// OK reports whether the ledger accounts for the wallet exactly.
func (r Reconciliation) OK() bool {
	return r.Balance == r.LedgerBalance && r.FrozenBalance == r.LedgerFrozen
}

// Reconcile sums a wallet's ledger and compares it with the stored balances.
func Reconcile(db *gorm.DB, walletID string) (*Reconciliation, error) {
	w, err := GetWallet(db, walletID)
	if err != nil {
		return nil, err
	}
	var sums struct {
		LedgerBalance int64
		LedgerFrozen  int64
	}
	err = db.Model(&models.BillingTransaction{}).
		Select("COALESCE(SUM(amount),0) as ledger_balance, COALESCE(SUM(frozen_delta),0) as ledger_frozen").
		Where("wallet_id = ?", walletID).
		Scan(&sums).Error
	if err != nil {
		return nil, fmt.Errorf("billing: reconcile %s: %w", walletID, err)
	}
	return &Reconciliation{
		WalletID:      walletID,
		Balance:       w.Balance,
		FrozenBalance: w.FrozenBalance,
		LedgerBalance: sums.LedgerBalance,
		LedgerFrozen:  sums.LedgerFrozen,
	}, nil
}
