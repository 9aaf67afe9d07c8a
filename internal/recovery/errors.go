// internal/recovery/errors.go
package recovery

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the engine-wide taxonomy. Callers match with errors.Is.
var (
	ErrInvalidInput            = errors.New("invalid input")
	ErrInvariantViolation      = errors.New("invariant violation")
	ErrDepthLimit              = errors.New("decomposition depth limit reached")
	ErrDeadline                = errors.New("deadline exceeded")
	ErrCancelled               = errors.New("cancelled")
	ErrDependencyResolution    = errors.New("dependency resolution failed")
	ErrToolRegistryUnavailable = errors.New("tool registry unavailable")
	ErrToolInvocation          = errors.New("tool invocation failed")
	ErrLLMUnavailable          = errors.New("llm client unavailable")
	ErrTransactionBusy         = errors.New("transaction already active for repository")
	ErrTransactionTimeout      = errors.New("transaction timed out")
	ErrRollbackFailed          = errors.New("transaction rollback failed")
	ErrUnsupportedStandard     = errors.New("unsupported compliance standard")
	ErrIntegrityFailure        = errors.New("audit integrity failure")
	ErrInvalidRange            = errors.New("invalid range")
)

// CircularDependencyError reports one or more dependency cycles
type CircularDependencyError struct {
	Paths [][]string
}

func (e *CircularDependencyError) Error() string {
	parts := make([]string, 0, len(e.Paths))
	for _, p := range e.Paths {
		parts = append(parts, strings.Join(p, " -> "))
	}
	return fmt.Sprintf("circular dependency: %s", strings.Join(parts, "; "))
}

// InvalidInputError wraps ErrInvalidInput with a field-level message
func InvalidInputError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
