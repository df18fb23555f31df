package ho

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrTrackingInit means the tracking handle could not be created or bound.
	ErrTrackingInit = errors.New("tracking init failed")

	// ErrConfig means the search space, objective, policy or queue settings
	// are invalid. Nothing has been submitted when it is returned.
	ErrConfig = errors.New("invalid configuration")

	// ErrExecution means the backend rejected a submission or the remote
	// hand-off failed.
	ErrExecution = errors.New("execution failed")

	// ErrInterrupted means the caller cancelled the campaign.
	ErrInterrupted = errors.New("interrupted")
)

// Error is the error returned by launcher operations.
type Error struct {
	// Kind is one of the Err* sentinels above.
	Kind error

	// Op names the failing operation, e.g. "build campaign".
	Op string

	// Err is the underlying cause, may be nil.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ConfigError describes one invalid field.
type ConfigError struct {
	Field   string
	Message string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConfigErrors collects every invalid field found by a validation pass.
type ConfigErrors []ConfigError

func (e ConfigErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Is makes a bare ConfigErrors match ErrConfig.
func (e ConfigErrors) Is(target error) bool {
	return target == ErrConfig
}

// Has reports whether field is among the invalid fields.
func (e ConfigErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

func (e *ConfigErrors) add(field, format string, args ...any) {
	*e = append(*e, ConfigError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e ConfigErrors) orNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}
