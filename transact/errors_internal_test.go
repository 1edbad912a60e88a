package transact

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifySendErrDNSFailureIsBadGateway(t *testing.T) {
	err := fmt.Errorf("resolve: %w", ErrNotFound)
	got := classifySendErr(err)

	var te *TransportError
	if !errors.As(got, &te) {
		t.Fatalf("classifySendErr(%v) = %v, want a *TransportError", err, got)
	}
	if te.Code != 502 {
		t.Fatalf("classifySendErr(%v).Code = %d, want 502", err, te.Code)
	}
	if !errors.Is(got, ErrNotFound) {
		t.Fatalf("classifySendErr(%v) does not unwrap to ErrNotFound", err)
	}
}

func TestClassifySendErrGenericFailureIsServiceUnavailable(t *testing.T) {
	err := errors.New("connection reset by peer")
	got := classifySendErr(err)

	var te *TransportError
	if !errors.As(got, &te) {
		t.Fatalf("classifySendErr(%v) = %v, want a *TransportError", err, got)
	}
	if te.Code != 503 {
		t.Fatalf("classifySendErr(%v).Code = %d, want 503", err, te.Code)
	}
}

func TestTransportErrCodeDefaultsTo503(t *testing.T) {
	if got := transportErrCode(nil); got != 503 {
		t.Fatalf("transportErrCode(nil) = %d, want 503", got)
	}
	if got := transportErrCode([]any{errors.New("boom")}); got != 503 {
		t.Fatalf("transportErrCode(untyped error) = %d, want 503", got)
	}
}

func TestTransportErrCodeReadsTransportErrorCode(t *testing.T) {
	err := &TransportError{Code: 502, Err: errors.New("dns")}
	if got := transportErrCode([]any{error(err)}); got != 502 {
		t.Fatalf("transportErrCode(%v) = %d, want 502", err, got)
	}
}
