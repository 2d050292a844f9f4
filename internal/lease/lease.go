// Package lease reserves finite-capacity compute resources for tenants and
// invoices each lease period through the billing ledger.
package lease

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/zulandar/workforce/internal/billing"
	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Contract statuses.
const (
	StatusActive     = "active"
	StatusTerminated = "terminated"
	StatusLapsed     = "lapsed"
)

// ResourceAvailable is the status of a resource accepting new contracts.
const ResourceAvailable = "available"

// CreateResourceOpts holds parameters for registering a resource.
type CreateResourceOpts struct {
	Name         string
	Type         string
	Provider     string
	PricePerHour int64 // micro-credits per unit per hour
	UnitName     string
	MaxCapacity  int64
}

// CreateContractOpts holds parameters for leasing capacity.
type CreateContractOpts struct {
	TenantID   string
	WalletID   string // defaults to the tenant's wallet
	ResourceID string
	Capacity   int64
	Duration   time.Duration
	AutoRenew  bool
	Config     []byte
	Now        time.Time // start time; defaults to time.Now()
}

// ContractFilters holds optional filters for listing contracts.
type ContractFilters struct {
	TenantID   string
	ResourceID string
	Status     string
}

func generateID(prefix string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lease: generate ID: %w", err)
	}
	return prefix + hex.EncodeToString(b), nil
}

// PeriodCost prices capacity units held for d, rounded up to the next
// micro-credit. A period whose price does not fit in int64 is a
// fault.Validation rather than a wrapped or zero charge.
func PeriodCost(pricePerHour, capacity int64, d time.Duration) (int64, error) {
	const op = "lease: period cost"
	secs := int64(d / time.Second)
	if pricePerHour < 0 || capacity < 0 || secs < 0 {
		return 0, fault.New(fault.Validation, op, "price, capacity and duration must not be negative")
	}
	num := new(big.Int).Mul(big.NewInt(pricePerHour), big.NewInt(capacity))
	num.Mul(num, big.NewInt(secs))
	if num.Sign() == 0 {
		return 0, nil
	}
	cost := num.Add(num, big.NewInt(3599)).Quo(num, big.NewInt(3600))
	if !cost.IsInt64() {
		return 0, fault.New(fault.Validation, op, "%d units at %d/h for %s overflows", capacity, pricePerHour, d)
	}
	return cost.Int64(), nil
}

// CreateResource registers a resource.
func CreateResource(db *gorm.DB, opts CreateResourceOpts) (*models.LeaseResource, error) {
	const op = "lease: create resource"
	if opts.Name == "" {
		return nil, fault.New(fault.Validation, op, "name is required")
	}
	if opts.MaxCapacity <= 0 {
		return nil, fault.New(fault.Validation, op, "max capacity must be positive")
	}
	if opts.PricePerHour < 0 {
		return nil, fault.New(fault.Validation, op, "price must not be negative")
	}
	id, err := generateID("res-")
	if err != nil {
		return nil, err
	}
	res := models.LeaseResource{
		ID:           id,
		Name:         opts.Name,
		Type:         opts.Type,
		Provider:     opts.Provider,
		PricePerHour: opts.PricePerHour,
		UnitName:     opts.UnitName,
		MaxCapacity:  opts.MaxCapacity,
		Status:       ResourceAvailable,
		Active:       true,
	}
	if err := db.Create(&res).Error; err != nil {
		return nil, fault.Wrap(fault.Persistence, op, err)
	}
	return &res, nil
}

// GetResource retrieves a resource by ID.
func GetResource(db *gorm.DB, id string) (*models.LeaseResource, error) {
	var res models.LeaseResource
	if err := db.Where("id = ?", id).First(&res).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "lease: get resource", "resource not found: %s", id)
		}
		return nil, fault.Wrap(fault.Persistence, "lease: get resource "+id, err)
	}
	return &res, nil
}

// ListResources returns all resources ordered by name.
func ListResources(db *gorm.DB) ([]models.LeaseResource, error) {
	var out []models.LeaseResource
	if err := db.Order("name ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("lease: list resources: %w", err)
	}
	return out, nil
}

// GetContract retrieves a contract by ID.
func GetContract(db *gorm.DB, id string) (*models.LeaseContract, error) {
	var c models.LeaseContract
	if err := db.Where("id = ?", id).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "lease: get contract", "contract not found: %s", id)
		}
		return nil, fault.Wrap(fault.Persistence, "lease: get contract "+id, err)
	}
	return &c, nil
}

// ListContracts returns contracts matching the filters, oldest first.
func ListContracts(db *gorm.DB, filters ContractFilters) ([]models.LeaseContract, error) {
	q := db.Model(&models.LeaseContract{})
	if filters.TenantID != "" {
		q = q.Where("tenant_id = ?", filters.TenantID)
	}
	if filters.ResourceID != "" {
		q = q.Where("resource_id = ?", filters.ResourceID)
	}
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	var out []models.LeaseContract
	if err := q.Order("start_time ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("lease: list contracts: %w", err)
	}
	return out, nil
}

func periodRef(contractID string, period int) billing.Ref {
	return billing.Ref{
		RelatedID:   fmt.Sprintf("lease:%s:period:%d", contractID, period),
		RelatedType: "lease_contract",
	}
}

// CreateContract reserves capacity on a resource and bills the first period.
// The capacity reservation, the contract row and the debit commit together;
// a request that does not fit returns CapacityExceeded and changes nothing.
func CreateContract(db *gorm.DB, opts CreateContractOpts) (*models.LeaseContract, error) {
	const op = "lease: create contract"
	if opts.TenantID == "" {
		return nil, fault.New(fault.Validation, op, "tenant is required")
	}
	if opts.Capacity <= 0 {
		return nil, fault.New(fault.Validation, op, "capacity must be positive")
	}
	if opts.Duration < time.Second {
		return nil, fault.New(fault.Validation, op, "duration must be at least one second")
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	res, err := GetResource(db, opts.ResourceID)
	if err != nil {
		return nil, err
	}
	if !res.Active {
		return nil, fault.New(fault.Validation, op, "resource %s is not active", res.ID)
	}
	if opts.WalletID == "" {
		w, err := billing.WalletForOwner(db, opts.TenantID)
		if err != nil {
			return nil, err
		}
		opts.WalletID = w.ID
	}
	id, err := generateID("lease-")
	if err != nil {
		return nil, err
	}
	cost, err := PeriodCost(res.PricePerHour, opts.Capacity, opts.Duration)
	if err != nil {
		return nil, err
	}

	c := models.LeaseContract{
		ID:         id,
		TenantID:   opts.TenantID,
		WalletID:   opts.WalletID,
		ResourceID: res.ID,
		Capacity:   opts.Capacity,
		PeriodSecs: int64(opts.Duration / time.Second),
		StartTime:  opts.Now,
		EndTime:    opts.Now.Add(opts.Duration),
		Status:     StatusActive,
		AutoRenew:  opts.AutoRenew,
		TotalPaid:  cost,
		Config:     datatypes.JSON(opts.Config),
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.LeaseResource{}).
			Where("id = ? AND active = ? AND current_usage + ? <= max_capacity", res.ID, true, opts.Capacity).
			Update("current_usage", gorm.Expr("current_usage + ?", opts.Capacity))
		if result.Error != nil {
			return fault.Wrap(fault.Persistence, op, result.Error)
		}
		if result.RowsAffected == 0 {
			current, err := GetResource(tx, res.ID)
			if err != nil {
				return err
			}
			return fault.New(fault.CapacityExceeded, op, "resource %s: %d of %d in use, requested %d",
				res.ID, current.CurrentUsage, current.MaxCapacity, opts.Capacity)
		}
		if err := tx.Create(&c).Error; err != nil {
			return fault.Wrap(fault.Persistence, op, err)
		}
		if cost > 0 {
			if _, err := billing.Debit(tx, opts.WalletID, cost, periodRef(id, 0)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Renew extends an active contract by one period and bills it.
func Renew(db *gorm.DB, id string) (*models.LeaseContract, error) {
	const op = "lease: renew"
	var out *models.LeaseContract
	err := db.Transaction(func(tx *gorm.DB) error {
		c, err := GetContract(tx, id)
		if err != nil {
			return err
		}
		if c.Status != StatusActive {
			return fault.New(fault.Validation, op, "contract %s is %s", id, c.Status)
		}
		res, err := GetResource(tx, c.ResourceID)
		if err != nil {
			return err
		}
		period := time.Duration(c.PeriodSecs) * time.Second
		cost, err := PeriodCost(res.PricePerHour, c.Capacity, period)
		if err != nil {
			return err
		}
		newEnd := c.EndTime.Add(period)

		// Conditional on the renewal count read above, so two concurrent
		// renewals cannot both extend the same period.
		result := tx.Model(&models.LeaseContract{}).
			Where("id = ? AND status = ? AND renewals = ?", id, StatusActive, c.Renewals).
			Updates(map[string]interface{}{
				"end_time":   newEnd,
				"renewals":   c.Renewals + 1,
				"total_paid": gorm.Expr("total_paid + ?", cost),
			})
		if result.Error != nil {
			return fault.Wrap(fault.Persistence, op, result.Error)
		}
		if result.RowsAffected == 0 {
			return fault.New(fault.Conflict, op, "contract %s changed concurrently", id)
		}
		if cost > 0 {
			if _, err := billing.Debit(tx, c.WalletID, cost, periodRef(id, c.Renewals+1)); err != nil {
				return err
			}
		}
		c.EndTime = newEnd
		c.Renewals++
		c.TotalPaid += cost
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Terminate ends an active contract and releases its capacity immediately.
func Terminate(db *gorm.DB, id string) error {
	return end(db, id, StatusTerminated)
}

// end moves an active contract to a final status and releases capacity.
// Already-billed periods are not refunded.
func end(db *gorm.DB, id, status string) error {
	op := "lease: " + status
	return db.Transaction(func(tx *gorm.DB) error {
		c, err := GetContract(tx, id)
		if err != nil {
			return err
		}
		now := time.Now()
		result := tx.Model(&models.LeaseContract{}).
			Where("id = ? AND status = ?", id, StatusActive).
			Updates(map[string]interface{}{"status": status, "terminated_at": now})
		if result.Error != nil {
			return fault.Wrap(fault.Persistence, op, result.Error)
		}
		if result.RowsAffected == 0 {
			return fault.New(fault.Validation, op, "contract %s is %s", id, c.Status)
		}
		result = tx.Model(&models.LeaseResource{}).
			Where("id = ? AND current_usage >= ?", c.ResourceID, c.Capacity).
			Update("current_usage", gorm.Expr("current_usage - ?", c.Capacity))
		if result.Error != nil {
			return fault.Wrap(fault.Persistence, op, result.Error)
		}
		if result.RowsAffected == 0 {
			return fault.New(fault.Conflict, op, "resource %s usage below contract capacity %d", c.ResourceID, c.Capacity)
		}
		return nil
	})
}

// ReservedCapacity sums the capacity of active contracts on a resource.
func ReservedCapacity(db *gorm.DB, resourceID string) (int64, error) {
	var total int64
	err := db.Model(&models.LeaseContract{}).
		Select("COALESCE(SUM(capacity),0)").
		Where("resource_id = ? AND status = ?", resourceID, StatusActive).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("lease: reserved capacity for %s: %w", resourceID, err)
	}
	return total, nil
}
