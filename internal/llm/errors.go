package llm

import (
	"errors"
	"fmt"
)

// ErrInvalidInput marks errors caused by the caller's request.
var ErrInvalidInput = errors.New("invalid input")

// ErrMissingImage is returned when a request carries neither image form.
var ErrMissingImage = fmt.Errorf("%w: missing image reference, provide image_data or image_uri", ErrInvalidInput)

// UpstreamError wraps a failed call to the model or to object storage.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// SchemaValidationError is returned when the model's structured output does
// not match the valuation schema.
type SchemaValidationError struct {
	Field  string
	Reason string
	Raw    string
}

func (e *SchemaValidationError) Error() string {
	if e.Field == "" {
		return "model output does not match valuation schema: " + e.Reason
	}
	return fmt.Sprintf("model output does not match valuation schema: %s: %s", e.Field, e.Reason)
}
