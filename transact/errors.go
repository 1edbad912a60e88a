package transact

import (
	"errors"
	"fmt"
)

// Error is a sentinel error code surfaced to callers, per spec.md §6.5.
type Error string

func (e Error) Error() string { return string(e) }

// Sentinel errors mirroring spec.md §6.5. TSX_TIMEOUT and TSX_TRANSPORT_ERROR
// are not sentinel values: they are modeled as [TimeoutError] /
// [TransportError] below. The FSMs report both to the TU only as a status
// code in [StateChange] (408, or TransportError.Code); neither error value is
// handed to the TU, nothing in this package constructs a TimeoutError, and
// the TransportError built by classifySendErr leaves Key unset.
const (
	ErrInvalid         Error = "EINVAL"
	ErrNotRequest      Error = "ENOTREQUESTMSG"
	ErrNotResponse     Error = "ENOTRESPONSEMSG"
	ErrMissingHeader   Error = "EMISSINGHDR"
	ErrInvalidHeader   Error = "EINVALIDHDR"
	ErrInvalidMethod   Error = "EINVALIDMETHOD"
	ErrExists          Error = "EEXISTS"
	ErrBusy            Error = "EBUSY"
	ErrPending         Error = "EPENDING"
	ErrDestroyed       Error = "ETSXDESTROYED"
	ErrInvalidOp       Error = "EINVALIDOP"
	ErrNotFound        Error = "ENOTFOUND"
)

// TimeoutError reports TSX_TIMEOUT: a transaction's timeout timer (B, F, H
// or J) fired before a matching response or ACK arrived.
type TimeoutError struct {
	Key Key
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transact: transaction %q timed out", e.Key)
}

// TransportError reports TSX_TRANSPORT_ERROR: the bound transport failed to
// deliver the last transmit buffer, or stateless resolution of its
// destination failed. Code is the SIP-equivalent status spec.md §4.6 item 3
// assigns: 502 for a DNS/resolution failure, 503 for anything else.
type TransportError struct {
	Key  Key
	Code int
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transact: transaction %q transport error (%d): %v", e.Key, e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// transportErrCode extracts the status code an FSM should store before
// reporting TSX_TRANSPORT_ERROR to the TU. args is the FireCtx trigger
// parameter list carrying the error classifySendErr produced; 503 is the
// default for anything that isn't a *TransportError (e.g. a nil/untyped
// trigger, which should never happen but must not panic).
func transportErrCode(args []any) int {
	if len(args) == 0 {
		return 503
	}
	err, _ := args[0].(error)
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code
	}
	return 503
}
