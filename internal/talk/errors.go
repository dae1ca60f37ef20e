package talk

import (
	"errors"
	"fmt"
)

// ErrValidation matches every *ValidationError
var ErrValidation = errors.New("invalid talk request")

// ValidationError reports a talk request that is missing or has a malformed
// required field. Nothing is fetched for it.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid talk request: %s %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrValidation) match any validation failure
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
