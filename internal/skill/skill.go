// Package skill provides the skill registry: persisted skill definitions
// bound to in-process actions.
package skill

import (
	"errors"
	"fmt"

	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/models"
	"github.com/zulandar/workforce/internal/schema"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// RegisterOpts holds parameters for registering a skill.
type RegisterOpts struct {
	Key         string
	Name        string
	Description string
	ActionName  string
	ParamSchema []byte
	Script      string
	RiskLevel   string
	Model       string
	MaxAttempts int
}

// Register validates and upserts a skill definition. Re-registering an
// existing key replaces its definition and reactivates it.
func Register(db *gorm.DB, actions *Actions, opts RegisterOpts) (*models.SkillDefinition, error) {
	const op = "skill: register"
	if opts.Key == "" {
		return nil, fault.New(fault.Validation, op, "key is required")
	}
	if _, ok := actions.Lookup(opts.ActionName); !ok {
		return nil, fault.New(fault.Validation, op, "skill %q: action %q is not registered", opts.Key, opts.ActionName)
	}
	if err := schema.Check(opts.ParamSchema); err != nil {
		return nil, fault.New(fault.Validation, op, "skill %q: param_schema: %v", opts.Key, err)
	}
	if opts.RiskLevel == "" {
		opts.RiskLevel = RiskLow
	}
	switch opts.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return nil, fault.New(fault.Validation, op, "skill %q: unknown risk level %q", opts.Key, opts.RiskLevel)
	}
	if opts.MaxAttempts < 0 {
		return nil, fault.New(fault.Validation, op, "skill %q: max_attempts must not be negative", opts.Key)
	}
	if opts.Name == "" {
		opts.Name = opts.Key
	}

	def := models.SkillDefinition{
		Key:         opts.Key,
		Name:        opts.Name,
		Description: opts.Description,
		ActionName:  opts.ActionName,
		ParamSchema: datatypes.JSON(opts.ParamSchema),
		Builtin:     actions.IsBuiltin(opts.ActionName),
		Script:      opts.Script,
		RiskLevel:   opts.RiskLevel,
		Model:       opts.Model,
		MaxAttempts: opts.MaxAttempts,
		Active:      true,
	}
	if opts.ActionName == ActionScript {
		if _, err := parseScript(&def); err != nil {
			return nil, err
		}
	}

	result := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "description", "action_name", "param_schema", "builtin",
			"script", "risk_level", "model", "max_attempts", "active", "updated_at",
		}),
	}).Create(&def)
	if result.Error != nil {
		return nil, fault.Wrap(fault.Persistence, op, fmt.Errorf("%s: %w", opts.Key, result.Error))
	}
	return &def, nil
}

// Resolve returns the active skill registered under key.
func Resolve(db *gorm.DB, key string) (*models.SkillDefinition, error) {
	var def models.SkillDefinition
	if err := db.Where("`key` = ? AND active = ?", key, true).First(&def).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.SkillResolution, "skill: resolve", "unknown skill %q", key)
		}
		return nil, fault.Wrap(fault.Persistence, "skill: resolve "+key, err)
	}
	return &def, nil
}

// List returns skills ordered by key. Inactive skills are included only when
// all is set.
func List(db *gorm.DB, all bool) ([]models.SkillDefinition, error) {
	q := db.Model(&models.SkillDefinition{})
	if !all {
		q = q.Where("active = ?", true)
	}
	var defs []models.SkillDefinition
	if err := q.Order("`key` ASC").Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("skill: list: %w", err)
	}
	return defs, nil
}

// Deactivate hides a skill from resolution. Existing task steps keep their
// reference but will fail to resolve if executed later.
func Deactivate(db *gorm.DB, key string) error {
	result := db.Model(&models.SkillDefinition{}).Where("`key` = ?", key).Update("active", false)
	if result.Error != nil {
		return fault.Wrap(fault.Persistence, "skill: deactivate "+key, result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.New(fault.SkillResolution, "skill: deactivate", "unknown skill %q", key)
	}
	return nil
}

// ValidateParams checks a step input document against the skill's
// param_schema.
func ValidateParams(def *models.SkillDefinition, input []byte) error {
	if err := schema.Validate(def.ParamSchema, input); err != nil {
		return fault.New(fault.Validation, "skill: params", "skill %q: %v", def.Key, err)
	}
	return nil
}
