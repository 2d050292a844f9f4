package db

import (
	"encoding/json"
	"fmt"

	"github.com/zulandar/workforce/internal/config"
	"github.com/zulandar/workforce/internal/job"
	"github.com/zulandar/workforce/internal/models"
	"github.com/zulandar/workforce/internal/skill"
	"gorm.io/gorm"
)

// AllModels returns every GORM model the engine persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.SkillDefinition{},
		&models.JobDefinition{},
		&models.Wallet{},
		&models.BillingTransaction{},
		&models.Employee{},
		&models.Task{},
		&models.TaskStep{},
		&models.ToolAuditLog{},
		&models.LLMCallLog{},
		&models.LeaseResource{},
		&models.LeaseContract{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedResult counts what SeedCatalog registered.
type SeedResult struct {
	Skills int
	Jobs   int
}

// SeedCatalog registers every skill and then every job in cat. Skills go
// first because job workflows are validated against them. Registration is
// an upsert, so seeding the same catalog twice is harmless apart from
// bumping job versions.
func SeedCatalog(db *gorm.DB, actions *skill.Actions, cat *config.Catalog) (SeedResult, error) {
	var res SeedResult
	for _, sc := range cat.Skills {
		params, err := marshalJSON(sc.ParamSchema)
		if err != nil {
			return res, fmt.Errorf("db: marshal param_schema for skill %q: %w", sc.Key, err)
		}
		_, err = skill.Register(db, actions, skill.RegisterOpts{
			Key:         sc.Key,
			Name:        sc.Name,
			Description: sc.Description,
			ActionName:  sc.Action,
			ParamSchema: params,
			Script:      sc.Script,
			RiskLevel:   sc.RiskLevel,
			Model:       sc.Model,
			MaxAttempts: sc.MaxAttempts,
		})
		if err != nil {
			return res, fmt.Errorf("db: seed skill %q: %w", sc.Key, err)
		}
		res.Skills++
	}

	for _, jc := range cat.Jobs {
		opts := job.RegisterOpts{Key: jc.Key, Name: jc.Name, Purpose: jc.Purpose}
		fields := []struct {
			name string
			v    interface{}
			dst  *[]byte
		}{
			{"input_schema", jc.InputSchema, &opts.InputSchema},
			{"output_schema", jc.OutputSchema, &opts.OutputSchema},
			{"constraints", jc.Constraints, &opts.Constraints},
			{"workflow", jc.Workflow, &opts.Workflow},
			{"model_strategy", jc.ModelStrategy, &opts.ModelStrategy},
		}
		for _, f := range fields {
			raw, err := marshalJSON(f.v)
			if err != nil {
				return res, fmt.Errorf("db: marshal %s for job %q: %w", f.name, jc.Key, err)
			}
			*f.dst = raw
		}
		if _, err := job.Register(db, opts); err != nil {
			return res, fmt.Errorf("db: seed job %q: %w", jc.Key, err)
		}
		res.Jobs++
	}
	return res, nil
}

// marshalJSON marshals a value to JSON, returning nil for nil values and
// empty maps.
func marshalJSON(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		if len(t) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
