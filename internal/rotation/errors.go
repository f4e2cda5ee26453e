package rotation

import "fmt"

// PolicyViolationError indicates a cross-user, cross-host, or
// rotation-configuration violation. Never silently coerced; rotation must
// stop rather than touch an account it does not own.
type PolicyViolationError struct {
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return e.Reason
}

// AuthFailureError indicates that no credential in the fallback chain
// produced an authenticated database session.
type AuthFailureError struct {
	SecretID string
	Reason   string
}

func (e *AuthFailureError) Error() string {
	return fmt.Sprintf("%s for secret %s", e.Reason, e.SecretID)
}

// InvalidStateError indicates a version whose stage labels do not permit
// the requested rotation step.
type InvalidStateError struct {
	SecretID string
	Token    string
	Reason   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("secret version %s of %s: %s", e.Token, e.SecretID, e.Reason)
}
