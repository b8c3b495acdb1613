package dq

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingField is matched by every MissingFieldError.
	ErrMissingField = errors.New("missing field")
	// ErrInvalidField is matched by every InvalidFieldError.
	ErrInvalidField = errors.New("invalid field")
)

// MissingFieldError reports a processor or check field absent from a CheckRecord.
// An empty Field means the whole processor section is missing.
type MissingFieldError struct {
	Processor Processor
	Field     string
}

func (e MissingFieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("check record has no %s section", e.Processor)
	}
	return fmt.Sprintf("%s: missing field %s", e.Processor, e.Field)
}

func (e MissingFieldError) Is(target error) bool { return target == ErrMissingField }

// InvalidFieldError reports a field present with a value the criteria cannot interpret.
type InvalidFieldError struct {
	Processor Processor
	Field     string
	Value     any
	Reason    string
}

func (e InvalidFieldError) Error() string {
	return fmt.Sprintf("%s: invalid field %s (%v): %s", e.Processor, e.Field, e.Value, e.Reason)
}

func (e InvalidFieldError) Is(target error) bool { return target == ErrInvalidField }
