package types

import "errors"

// ErrUnknownJobType is returned by ParsePayload for an unrecognized kind.
var ErrUnknownJobType = errors.New("types: unknown job type")

// FieldError is one entry in a 422 schema-validation response: a dotted
// field path, a human message, and the violated constraint's short name.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// SchemaError aggregates FieldErrors for the 422 invalid_request response.
type SchemaError struct {
	Errors []FieldError
}

func (e *SchemaError) Error() string {
	if len(e.Errors) == 0 {
		return "schema validation failed"
	}
	msg := e.Errors[0].Field + ": " + e.Errors[0].Message
	if len(e.Errors) > 1 {
		msg += " (+more)"
	}
	return msg
}

// Add appends a field error.
func (e *SchemaError) Add(field, message, typ string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message, Type: typ})
}

// HasErrors reports whether any field error was recorded.
func (e *SchemaError) HasErrors() bool {
	return len(e.Errors) > 0
}
