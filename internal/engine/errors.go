package engine

import "fmt"

// ConflictError reports an operation that collides with existing state,
// such as starting a second execution for an LFA.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func conflictf(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports a status-machine violation: the entity
// exists but its current status does not allow the operation.
type InvalidStateError struct {
	Entity  string
	Current string
	Message string
}

func (e *InvalidStateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s in status %s does not allow this operation", e.Entity, e.Current)
}

func invalidStatef(entity, current, format string, args ...any) error {
	return &InvalidStateError{Entity: entity, Current: current, Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports malformed or mismatched input, such as a
// result submission whose indicator does not match the action's
// success criteria.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
