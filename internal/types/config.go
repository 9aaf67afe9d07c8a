// internal/types/config.go
package types

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can carry either Go
// duration strings ("30s", "1h") or plain integer milliseconds.
type Duration time.Duration

// Std returns the underlying time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts "500ms"-style strings or integer milliseconds
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var asMillis int64
		if err := value.Decode(&asMillis); err != nil {
			return fmt.Errorf("invalid duration at line %d: %w", value.Line, err)
		}
		*d = Duration(time.Duration(asMillis) * time.Millisecond)
		return nil
	}

	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("invalid duration at line %d: %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as its string form
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ComplianceLevel controls how strictly the audit recorder validates operations
type ComplianceLevel string

const (
	ComplianceRelaxed  ComplianceLevel = "relaxed"
	ComplianceStandard ComplianceLevel = "standard"
	ComplianceStrict   ComplianceLevel = "strict"
)

// Standard identifies a compliance reporting standard
type Standard string

const (
	StandardSOX      Standard = "SOX"
	StandardGDPR     Standard = "GDPR"
	StandardSOC2     Standard = "SOC2"
	StandardISO27001 Standard = "ISO27001"
	StandardNIST     Standard = "NIST"
)

// TaskConfig is the frozen per-context execution configuration.
// Inherited by child contexts; immutable after construction.
type TaskConfig struct {
	Timeout        Duration `yaml:"timeout" json:"timeout"` // 0 = none
	RetryCount     int      `yaml:"retry_count" json:"retryCount"`
	ParallelLimit  int      `yaml:"parallel_limit" json:"parallelLimit"`
	CacheResults   bool     `yaml:"cache_results" json:"cacheResults"`
	VerboseLogging bool     `yaml:"verbose_logging" json:"verboseLogging"`
}

// EngineConfig is the full runtime configuration loaded from YAML
type EngineConfig struct {
	MaxDepth int        `yaml:"max_depth"`
	Task     TaskConfig `yaml:"task"`

	// Event log
	SnapshotInterval int `yaml:"snapshot_interval"`

	// History manager
	RetentionTime     Duration `yaml:"retention_time"`
	MaxHistoryPerTask int      `yaml:"max_history_per_task"`
	PruneInterval     Duration `yaml:"prune_interval"`

	// Error handler
	MaxRetryAttempts int      `yaml:"max_retry_attempts"`
	RetryDelay       Duration `yaml:"retry_delay"`

	// Transaction manager
	MaxTransactionTime    Duration `yaml:"max_transaction_time"`
	AutoRollbackOnFailure bool     `yaml:"auto_rollback_on_failure"`

	// Audit
	AuditRetentionDays  int             `yaml:"audit_retention_days"`
	ComplianceLevel     ComplianceLevel `yaml:"compliance_level"`
	ComplianceStandards []Standard      `yaml:"compliance_standards"`
}

// DefaultEngineConfig returns the documented defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxDepth: 3,
		Task: TaskConfig{
			Timeout:        0,
			RetryCount:     2,
			ParallelLimit:  5,
			CacheResults:   true,
			VerboseLogging: false,
		},
		SnapshotInterval:      100,
		RetentionTime:         Duration(24 * time.Hour),
		MaxHistoryPerTask:     200,
		PruneInterval:         Duration(5 * time.Minute),
		MaxRetryAttempts:      3,
		RetryDelay:            Duration(time.Second),
		MaxTransactionTime:    Duration(5 * time.Minute),
		AutoRollbackOnFailure: true,
		AuditRetentionDays:    90,
		ComplianceLevel:       ComplianceStandard,
		ComplianceStandards:   []Standard{StandardSOC2},
	}
}

// ValidStandard reports whether s is a known compliance standard
func ValidStandard(s Standard) bool {
	switch s {
	case StandardSOX, StandardGDPR, StandardSOC2, StandardISO27001, StandardNIST:
		return true
	}
	return false
}
