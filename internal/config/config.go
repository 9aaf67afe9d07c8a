// internal/config/config.go
package config

import (
	"fmt"
	"os"

	"github.com/AGENTCORE/internal/types"
	"gopkg.in/yaml.v3"
)

// Load reads an engine configuration from YAML, overlaying the defaults.
// A missing path returns the defaults untouched.
func Load(path string) (types.EngineConfig, error) {
	cfg := types.DefaultEngineConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, validate(cfg)
}

func validate(cfg types.EngineConfig) error {
	if cfg.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be at least 1")
	}
	if cfg.Task.ParallelLimit < 1 {
		return fmt.Errorf("parallel_limit must be at least 1")
	}
	if cfg.SnapshotInterval < 1 {
		return fmt.Errorf("snapshot_interval must be at least 1")
	}
	for _, standard := range cfg.ComplianceStandards {
		if !types.ValidStandard(standard) {
			return fmt.Errorf("unknown compliance standard %q", standard)
		}
	}
	switch cfg.ComplianceLevel {
	case types.ComplianceRelaxed, types.ComplianceStandard, types.ComplianceStrict:
	default:
		return fmt.Errorf("unknown compliance level %q", cfg.ComplianceLevel)
	}
	return nil
}
