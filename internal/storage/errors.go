// Package storage holds configuration helpers shared by transaction-log backends.
package storage

import "fmt"

// ConfigError reports an invalid backend configuration value.
type ConfigError struct {
	Backend string
	Field   string
	Value   string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	prefix := e.Backend
	if prefix == "" {
		prefix = "storage"
	}
	switch {
	case e.Field == "":
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	case e.Value == "":
		return fmt.Sprintf("%s: %s: %s", prefix, e.Field, e.Message)
	default:
		return fmt.Sprintf("%s: %s=%q: %s", prefix, e.Field, e.Value, e.Message)
	}
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// NewConfigError reports a problem with one field.
func NewConfigError(backend, field, message string) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Message: message}
}

// NewConfigErrorWithCause reports a field problem caused by err.
func NewConfigErrorWithCause(backend, field, message string, err error) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Message: message, Cause: err}
}

// WithBackend attributes an error returned by a Get* helper to backend.
func WithBackend(backend string, err error) error {
	if ce, ok := err.(*ConfigError); ok && ce.Backend == "" {
		cp := *ce
		cp.Backend = backend
		return &cp
	}
	return err
}
