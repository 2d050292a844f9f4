// Package job provides the job catalog: versioned job definitions whose
// workflows reference registered skills.
package job

import (
	"errors"
	"fmt"

	"github.com/zulandar/workforce/internal/fault"
	"github.com/zulandar/workforce/internal/models"
	"github.com/zulandar/workforce/internal/schema"
	"github.com/zulandar/workforce/internal/skill"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RegisterOpts holds parameters for registering a job. Document fields are
// raw JSON.
type RegisterOpts struct {
	Key           string
	Name          string
	Purpose       string
	InputSchema   []byte
	OutputSchema  []byte
	Constraints   []byte
	Workflow      []byte
	ModelStrategy []byte
}

// Register validates and stores a job definition. Registering an existing
// key replaces the definition and bumps its version; tasks already planned
// keep the steps they snapshotted.
func Register(db *gorm.DB, opts RegisterOpts) (*models.JobDefinition, error) {
	const op = "job: register"
	if opts.Key == "" {
		return nil, fault.New(fault.Validation, op, "key is required")
	}
	if opts.Name == "" {
		opts.Name = opts.Key
	}
	if err := schema.Check(opts.InputSchema); err != nil {
		return nil, fault.New(fault.Validation, op, "job %q: input_schema: %v", opts.Key, err)
	}
	if err := schema.Check(opts.OutputSchema); err != nil {
		return nil, fault.New(fault.Validation, op, "job %q: output_schema: %v", opts.Key, err)
	}
	if _, err := ParseConstraints(opts.Constraints); err != nil {
		return nil, fault.New(fault.Validation, op, "job %q: %v", opts.Key, err)
	}
	strategy, err := ParseStrategy(opts.ModelStrategy)
	if err != nil {
		return nil, fault.New(fault.Validation, op, "job %q: %v", opts.Key, err)
	}
	root, err := ParseWorkflow(opts.Workflow)
	if err != nil {
		return nil, fault.New(fault.Validation, op, "job %q: %v", opts.Key, err)
	}
	if root == nil && strategy.Mode == ModeStatic {
		return nil, fault.New(fault.Validation, op, "job %q: static job needs a workflow", opts.Key)
	}

	var def models.JobDefinition
	err = db.Transaction(func(tx *gorm.DB) error {
		if root != nil {
			for _, key := range root.Skills() {
				if _, err := skill.Resolve(tx, key); err != nil {
					if fault.Is(err, fault.SkillResolution) {
						return fault.New(fault.Validation, op, "job %q: workflow references unknown or inactive skill %q", opts.Key, key)
					}
					return err
				}
			}
		}

		var existing models.JobDefinition
		isNew := false
		err := tx.Where("`key` = ?", opts.Key).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			isNew = true
			def = models.JobDefinition{Key: opts.Key, Version: 1}
		case err != nil:
			return fault.Wrap(fault.Persistence, op, err)
		default:
			def = existing
			def.Version = existing.Version + 1
		}

		def.Name = opts.Name
		def.Purpose = opts.Purpose
		def.InputSchema = datatypes.JSON(opts.InputSchema)
		def.OutputSchema = datatypes.JSON(opts.OutputSchema)
		def.Constraints = datatypes.JSON(opts.Constraints)
		def.Workflow = datatypes.JSON(opts.Workflow)
		def.ModelStrategy = datatypes.JSON(opts.ModelStrategy)
		def.Active = true

		write := tx.Save
		if isNew {
			write = tx.Create
		}
		if err := write(&def).Error; err != nil {
			return fault.Wrap(fault.Persistence, op, fmt.Errorf("%s: %w", opts.Key, err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// Resolve returns the active job registered under key.
func Resolve(db *gorm.DB, key string) (*models.JobDefinition, error) {
	var def models.JobDefinition
	if err := db.Where("`key` = ? AND active = ?", key, true).First(&def).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "job: resolve", "unknown job %q", key)
		}
		return nil, fault.Wrap(fault.Persistence, "job: resolve "+key, err)
	}
	return &def, nil
}

// List returns jobs ordered by key. Inactive jobs are included only when all
// is set.
func List(db *gorm.DB, all bool) ([]models.JobDefinition, error) {
	q := db.Model(&models.JobDefinition{})
	if !all {
		q = q.Where("active = ?", true)
	}
	var defs []models.JobDefinition
	if err := q.Order("`key` ASC").Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("job: list: %w", err)
	}
	return defs, nil
}

// Deactivate stops new employees and tasks from using a job.
func Deactivate(db *gorm.DB, key string) error {
	result := db.Model(&models.JobDefinition{}).Where("`key` = ?", key).Update("active", false)
	if result.Error != nil {
		return fault.Wrap(fault.Persistence, "job: deactivate "+key, result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.New(fault.NotFound, "job: deactivate", "unknown job %q", key)
	}
	return nil
}

// ValidateInputs checks a task input document against the job's input_schema.
func ValidateInputs(def *models.JobDefinition, inputs []byte) error {
	if err := schema.Validate(def.InputSchema, inputs); err != nil {
		return fault.New(fault.Validation, "job: inputs", "job %q: %v", def.Key, err)
	}
	return nil
}
