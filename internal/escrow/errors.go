package escrow

import (
	"errors"
	"fmt"
)

// Kind classifies a failure of a public escrow operation.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindUnavailable means a precondition (chain client, account) is missing.
	KindUnavailable
	// KindSignerUnavailable means no signing capability could be obtained.
	KindSignerUnavailable
	// KindInvalidAmount means an amount was malformed or inconsistent.
	KindInvalidAmount
	// KindQueryFailed means a simulated call was rejected.
	KindQueryFailed
	// KindSubmissionFailed means dispatch failed before any status was observed.
	KindSubmissionFailed
	// KindTransactionFailed means the call reached a failed terminal status.
	KindTransactionFailed
	// KindNotSupported means the contract has no such operation.
	KindNotSupported
	// KindInvalidInput means an address or id argument was malformed.
	KindInvalidInput
	// KindReleased means the caller stopped tracking a dispatched call before
	// finality. The transaction may still land.
	KindReleased
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "Unavailable"
	case KindSignerUnavailable:
		return "SignerUnavailable"
	case KindInvalidAmount:
		return "InvalidAmount"
	case KindQueryFailed:
		return "QueryFailed"
	case KindSubmissionFailed:
		return "SubmissionFailed"
	case KindTransactionFailed:
		return "TransactionFailed"
	case KindNotSupported:
		return "NotSupported"
	case KindInvalidInput:
		return "InvalidInput"
	case KindReleased:
		return "Released"
	default:
		return "Unknown"
	}
}

// Error is the error type returned by every public escrow operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds an *Error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause returns the message of the innermost wrapped error.
func (e *Error) Cause() string {
	var inner error = e
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			return inner.Error()
		}
		inner = next
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ErrNotSupported is the cause attached to operations absent from the contract.
var ErrNotSupported = errors.New("operation not supported by the escrow contract")
