package claims

import "fmt"

// ValidationFailedError carries the full validator output so the HTTP layer
// can return field-level detail alongside the 400.
type ValidationFailedError struct {
	Result ValidationResult
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("claim validation failed: %d error(s)", len(e.Result.Errors))
}

// ClientRejectionError means the payor rejected the claim semantically. It is
// terminal, never retried, and surfaced to the caller as a 400 so they know
// the input needs fixing rather than resubmitting as-is.
type ClientRejectionError struct {
	Message string
	Err     error
}

func (e *ClientRejectionError) Error() string {
	return "payor rejected claim: " + e.Message
}

func (e *ClientRejectionError) Unwrap() error { return e.Err }

// TransientPayorError means the payor was unreachable or failing after the
// retry budget was exhausted. The claim is stored locally and can be
// resubmitted; callers see a 502-style "try again later".
type TransientPayorError struct {
	Attempts int
	Err      error
}

func (e *TransientPayorError) Error() string {
	return fmt.Sprintf("payor unavailable after %d attempt(s)", e.Attempts)
}

func (e *TransientPayorError) Unwrap() error { return e.Err }
