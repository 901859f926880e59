package billedit

import (
	"errors"
	"fmt"
)

// Kind classifies a rejected edit.
type Kind string

const (
	InvalidName   Kind = "invalid_name"
	InvalidPrice  Kind = "invalid_price"
	InvalidAmount Kind = "invalid_amount"
	NotFound      Kind = "not_found"
)

// ValidationError is returned for bad user input. The edit is rejected before
// any state changes, so it is always safe to show Message and keep editing.
type ValidationError struct {
	Kind    Kind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsKind reports whether err is a ValidationError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Kind == kind
}

func invalid(kind Kind, field, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Field: field, Message: fmt.Sprintf(format, args...)}
}
