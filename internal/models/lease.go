package models

import (
	"time"

	"gorm.io/datatypes"
)

// LeaseResource is a finite-capacity compute resource tenants can reserve.
type LeaseResource struct {
	ID           string `gorm:"primaryKey;size:64"`
	Name         string `gorm:"size:128;not null"`
	Type         string `gorm:"size:32"`
	Provider     string `gorm:"size:64"`
	PricePerHour int64  `gorm:"not null;default:0"`
	UnitName     string `gorm:"size:32"`
	MaxCapacity  int64  `gorm:"not null"`
	CurrentUsage int64  `gorm:"not null;default:0"`
	Status       string `gorm:"size:16;default:available"`
	Active       bool   `gorm:"default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LeaseContract is a tenant's time-bounded reservation against a resource.
type LeaseContract struct {
	ID           string         `gorm:"primaryKey;size:64"`
	TenantID     string         `gorm:"size:64;not null;index"`
	WalletID     string         `gorm:"size:64;not null"`
	ResourceID   string         `gorm:"size:64;not null;index"`
	Capacity     int64          `gorm:"not null"`
	PeriodSecs   int64          `gorm:"not null"`
	StartTime    time.Time      `gorm:"not null"`
	EndTime      time.Time      `gorm:"not null;index"`
	Status       string         `gorm:"size:16;default:active;index"`
	AutoRenew    bool           `gorm:"default:false"`
	TotalPaid    int64          `gorm:"not null;default:0"`
	Renewals     int            `gorm:"default:0"`
	Config       datatypes.JSON `gorm:"type:json"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	TerminatedAt *time.Time
}
