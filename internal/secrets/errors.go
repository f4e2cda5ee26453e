package secrets

import "fmt"

// NotFoundError indicates that no secret version carries the requested
// stage (and version, when one was pinned).
type NotFoundError struct {
	SecretID string
	Stage    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("secret %s has no version staged %s", e.SecretID, e.Stage)
}

// SchemaError indicates a secret document that is not valid JSON or does
// not satisfy the rotation schema.
type SchemaError struct {
	SecretID string
	Reason   string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("secret %s has an invalid document: %s", e.SecretID, e.Reason)
}
