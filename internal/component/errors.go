package component

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownComponent = errors.New("unknown component")
	ErrUnknownField     = errors.New("unknown field")
	ErrTypeMismatch     = errors.New("type mismatch")
)

// ValidationError reports a value or parameter that does not match the
// expected schema of a component field or a script parameter.
type ValidationError struct {
	Component ID
	Field     string
	Err       error
}

func (e *ValidationError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s.%s: %v", e.Component, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(c ID, field string, err error) error {
	return &ValidationError{Component: c, Field: field, Err: err}
}
