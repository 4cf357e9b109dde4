// Package ccerr defines the error taxonomy shared by the IVS chaincodes.
//
// Every failing operation wraps one of these sentinels with fmt.Errorf("...: %w"),
// so callers and tests can classify failures with errors.Is while the message
// still carries the offending key or bound.
package ccerr

import "errors"

var (
	// ErrAlreadyExists signals a registration or insert that targets an
	// occupied key (user profile, contact edge, committee seat).
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound signals a missing identity, request, record, or policy.
	ErrNotFound = errors.New("not found")

	// ErrCapacityExceeded signals a bounded list or set at its limit
	// (contact list, committee, condition-id set, authorized-account set).
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvalidEncoding signals input that exceeds a byte-length bound or
	// fails structural validation before any state is written.
	ErrInvalidEncoding = errors.New("invalid encoding")

	// ErrUnauthorized signals a caller lacking the compute-network privilege
	// required by the operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTerminalState signals an attempted transition out of a terminal
	// recompute-request status. Re-applying the same terminal status is a
	// no-op and does not produce this error.
	ErrTerminalState = errors.New("request in terminal state")
)
