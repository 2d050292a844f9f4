package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the operator-maintained list of skills and jobs, loaded from
// catalog.yaml and registered into the database by `wf catalog load`.
type Catalog struct {
	Skills []SkillConfig `yaml:"skills"`
	Jobs   []JobConfig   `yaml:"jobs"`
}

// SkillConfig declares one invocable capability.
type SkillConfig struct {
	Key         string                 `yaml:"key"`
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Action      string                 `yaml:"action"`
	ParamSchema map[string]interface{} `yaml:"param_schema"`
	Script      string                 `yaml:"script"`
	RiskLevel   string                 `yaml:"risk_level"`
	Model       string                 `yaml:"model"`
	MaxAttempts int                    `yaml:"max_attempts"`
}

// JobConfig declares one class of work.
type JobConfig struct {
	Key           string                 `yaml:"key"`
	Name          string                 `yaml:"name"`
	Purpose       string                 `yaml:"purpose"`
	InputSchema   map[string]interface{} `yaml:"input_schema"`
	OutputSchema  map[string]interface{} `yaml:"output_schema"`
	Constraints   map[string]interface{} `yaml:"constraints"`
	Workflow      interface{}            `yaml:"workflow"`
	ModelStrategy map[string]interface{} `yaml:"model_strategy"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog unmarshals catalog YAML. Only structural checks happen here;
// schema and workflow references are validated on registration.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("config: parse catalog: %w", err)
	}

	var errs []string
	seen := make(map[string]bool)
	for i, s := range cat.Skills {
		if s.Key == "" {
			errs = append(errs, fmt.Sprintf("skills[%d].key is required", i))
		}
		if s.Action == "" {
			errs = append(errs, fmt.Sprintf("skills[%d].action is required", i))
		}
		if seen["skill:"+s.Key] {
			errs = append(errs, fmt.Sprintf("skills[%d]: duplicate key %q", i, s.Key))
		}
		seen["skill:"+s.Key] = true
	}
	for i, j := range cat.Jobs {
		if j.Key == "" {
			errs = append(errs, fmt.Sprintf("jobs[%d].key is required", i))
		}
		if seen["job:"+j.Key] {
			errs = append(errs, fmt.Sprintf("jobs[%d]: duplicate key %q", i, j.Key))
		}
		seen["job:"+j.Key] = true
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: catalog validation failed: %s", strings.Join(errs, "; "))
	}
	return &cat, nil
}
