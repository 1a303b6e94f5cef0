package parse

import (
	"errors"
	"fmt"
)

// Kind classifies why a response could not be turned into a record.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindMalformed        Kind = "malformed"
	KindMissingField     Kind = "missing_field"
	KindInvalidEnumValue Kind = "invalid_enum_value"
	KindInvalidBoolean   Kind = "invalid_boolean"
)

// NotFoundError is returned by Sanitize when the response carries no
// complete root block.
type NotFoundError struct {
	Tag string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("parse: no <%s> block found in response", e.Tag)
}

// ValidationError is returned by Validate. Field and Value are set for the
// field-level kinds; Count is the number of occurrences for MissingField.
type ValidationError struct {
	Kind  Kind
	Field string
	Value string
	Count int
	Err   error
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindMalformed:
		return fmt.Sprintf("parse: malformed block: %v", e.Err)
	case KindMissingField:
		if e.Count > 1 {
			return fmt.Sprintf("parse: field %s present %d times, want exactly once", e.Field, e.Count)
		}
		return fmt.Sprintf("parse: missing field %s", e.Field)
	case KindInvalidEnumValue:
		return fmt.Sprintf("parse: invalid value %q for field %s", e.Value, e.Field)
	case KindInvalidBoolean:
		return fmt.Sprintf("parse: invalid boolean %q for field %s", e.Value, e.Field)
	default:
		return fmt.Sprintf("parse: %s", e.Kind)
	}
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a sanitize or validate error, or "" when err
// came from neither.
func KindOf(err error) Kind {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return KindNotFound
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}
