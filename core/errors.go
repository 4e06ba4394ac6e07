package core

import (
	"errors"
	"fmt"
)

// ConfigurationError is fatal at startup: the process is misconfigured and
// must not run. It is never produced at runtime.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError creates a fatal configuration error.
func NewConfigurationError(field, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: reason}
}

// OperationError is recoverable: it is returned as a structured value so a
// tool-calling LLM can react in-band instead of aborting. Examples: unknown
// tier name, add to an ended session.
type OperationError struct {
	Code    string
	Message string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewOperationError creates a recoverable operation error.
func NewOperationError(code, message string) *OperationError {
	return &OperationError{Code: code, Message: message}
}

// IsOperationError reports whether err is an OperationError, possibly
// wrapped, and returns it.
func IsOperationError(err error) (*OperationError, bool) {
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}
