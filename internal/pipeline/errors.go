package pipeline

import (
	"errors"
	"fmt"

	"github.com/example/tierdeploy/internal/ledger"
)

// ConfigError reports a problem with workspace data rather than with command
// execution. It is never retried.
type ConfigError struct {
	Package string
	Msg     string
}

func (e *ConfigError) Error() string {
	if e.Package == "" {
		return e.Msg
	}
	return e.Package + ": " + e.Msg
}

func configErrorf(pkg, format string, args ...any) error {
	return &ConfigError{Package: pkg, Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err wraps a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// RunError locates the step that ended a run.
type RunError struct {
	// Tier is 1-based.
	Tier    int
	Package string
	Step    ledger.Step
	Err     error
}

func (e *RunError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("tier %d: %s: %v", e.Tier, e.Package, e.Err)
	}
	return fmt.Sprintf("tier %d: %s: %s: %v", e.Tier, e.Package, e.Step, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
