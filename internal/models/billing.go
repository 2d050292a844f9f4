package models

import (
	"time"

	"gorm.io/datatypes"
)

// Wallet holds a tenant's balance in micro-credits. Funds reserved for
// in-flight work sit in FrozenBalance.
type Wallet struct {
	ID            string         `gorm:"primaryKey;size:64"`
	OwnerID       string         `gorm:"size:64;not null;index"`
	Balance       int64          `gorm:"not null;default:0"`
	Currency      string         `gorm:"size:8;default:CRD"`
	FrozenBalance int64          `gorm:"not null;default:0"`
	LifetimeSpend int64          `gorm:"not null;default:0"`
	Config        datatypes.JSON `gorm:"type:json"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BillingTransaction is an append-only ledger row. Amount is the signed
// change to the wallet's Balance and FrozenDelta the signed change to its
// FrozenBalance; summed per wallet they reconcile to the current values.
type BillingTransaction struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	WalletID    string `gorm:"size:64;not null;uniqueIndex:idx_wallet_ref"`
	Type        string `gorm:"size:16;not null;uniqueIndex:idx_wallet_ref"`
	RelatedID   string `gorm:"size:128;not null;uniqueIndex:idx_wallet_ref"`
	RelatedType string `gorm:"size:32"`
	Amount      int64  `gorm:"not null"`
	FrozenDelta int64  `gorm:"not null;default:0"`
	Remark      string `gorm:"size:256"`
	CreatedAt   time.Time
}
