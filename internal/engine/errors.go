package engine

import "fmt"

// Error categories carried by engine operations. The HTTP layer maps each
// onto a status code, the CLI prints the message as-is.

// ValidationError rejects malformed input before any state is touched.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError indicates a referenced entity does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError indicates a create collided with an existing entity.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// StateError rejects an operation because the entity is not in the state
// the operation requires.
type StateError struct {
	Msg string
}

func (e StateError) Error() string { return e.Msg }

func statef(format string, args ...any) error {
	return StateError{Msg: fmt.Sprintf(format, args...)}
}

// FundsError indicates a balance or allowance cannot cover a transfer.
type FundsError struct {
	Msg string
}

func (e FundsError) Error() string { return e.Msg }

func fundsf(format string, args ...any) error {
	return FundsError{Msg: fmt.Sprintf(format, args...)}
}

// ForbiddenError rejects a caller who is not a permitted party of the
// entity, for example a non-provider accepting an order.
type ForbiddenError struct {
	Msg string
}

func (e ForbiddenError) Error() string { return e.Msg }

func forbiddenf(format string, args ...any) error {
	return ForbiddenError{Msg: fmt.Sprintf(format, args...)}
}
