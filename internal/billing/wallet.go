// Package billing owns wallet balances and the append-only transaction
// ledger that justifies them.
package billing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DefaultCurrency labels wallets created without an explicit currency.
const DefaultCurrency = "CRD"

// CreateWalletOpts holds parameters for creating a wallet.
type CreateWalletOpts struct {
	OwnerID        string
	Currency       string
	OpeningBalance int64
	Config         []byte
}

// GenerateID creates a wallet ID in wal-xxxxxxxx format.
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("billing: generate ID: %w", err)
	}
	return "wal-" + hex.EncodeToString(b), nil
}

// CreateWallet creates a wallet. A non-zero opening balance is recorded as a
// credit so the ledger reconciles from the first row.
func CreateWallet(db *gorm.DB, opts CreateWalletOpts) (*models.Wallet, error) {
	const op = "billing: create wallet"
	if opts.OwnerID == "" {
		return nil, fault.New(fault.Validation, op, "owner is required")
	}
	if opts.OpeningBalance < 0 {
		return nil, fault.New(fault.Validation, op, "opening balance must not be negative")
	}
	if opts.Currency == "" {
		opts.Currency = DefaultCurrency
	}
	id, err := GenerateID()
	if err != nil {
		return nil, err
	}

	w := models.Wallet{
		ID:       id,
		OwnerID:  opts.OwnerID,
		Currency: opts.Currency,
		Config:   datatypes.JSON(opts.Config),
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&w).Error; err != nil {
			return fault.Wrap(fault.Persistence, op, err)
		}
		if opts.OpeningBalance > 0 {
			_, err := apply(tx, id, TypeCredit, opts.OpeningBalance, Ref{
				RelatedID:   "wallet:" + id + ":opening",
				RelatedType: "wallet",
				Remark:      "opening balance",
			})
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.Balance = opts.OpeningBalance
	return &w, nil
}

// GetWallet retrieves a wallet by ID.
func GetWallet(db *gorm.DB, id string) (*models.Wallet, error) {
	var w models.Wallet
	if err := db.Where("id = ?", id).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "billing: get wallet", "wallet not found: %s", id)
		}
		return nil, fault.Wrap(fault.Persistence, "billing: get wallet "+id, err)
	}
	return &w, nil
}

// WalletForOwner returns the oldest wallet belonging to owner.
func WalletForOwner(db *gorm.DB, ownerID string) (*models.Wallet, error) {
	var w models.Wallet
	if err := db.Where("owner_id = ?", ownerID).Order("created_at ASC, id ASC").First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "billing: wallet for owner", "no wallet for owner %s", ownerID)
		}
		return nil, fault.Wrap(fault.Persistence, "billing: wallet for owner "+ownerID, err)
	}
	return &w, nil
}

// ListWallets returns all wallets, optionally filtered by owner.
func ListWallets(db *gorm.DB, ownerID string) ([]models.Wallet, error) {
	q := db.Model(&models.Wallet{})
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	var wallets []models.Wallet
	if err := q.Order("created_at ASC, id ASC").Find(&wallets).Error; err != nil {
		return nil, fmt.Errorf("billing: list wallets: %w", err)
	}
	return wallets, nil
}
