package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ares-sec/ares/pkg/engine"
)

// LoadRuleParams loads correlation rule thresholds from a YAML file.
// Fields left zero in the file keep their defaults. An empty path returns the
// stock parameters.
func LoadRuleParams(path string) (engine.RuleParams, error) {
	if path == "" {
		return engine.DefaultRuleParams(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return engine.RuleParams{}, fmt.Errorf("load rules file %q: %w", path, err)
	}

	var params engine.RuleParams
	if err := yaml.Unmarshal(data, &params); err != nil {
		return engine.RuleParams{}, fmt.Errorf("parse rules file %q: %w", path, err)
	}
	return params, nil
}
