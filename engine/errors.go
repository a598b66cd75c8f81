// Package engine implements the metered, transactional execution core: a
// state machine that prepares a call, runs the guest, and settles gas, plus
// the host API surface (storage, numerics, crypto, foreign call, transaction
// accessors) a contract sees while running.
package engine

import "fmt"

// ErrorKind names one of the error categories the core surfaces.
type ErrorKind int

const (
	ErrContractNotFound ErrorKind = iota
	ErrFunctionNotFound
	ErrUnsupportedContext
	ErrInvalidContractIDSigner
	ErrUnsupportedMultiReturn
	ErrParseExpression
	ErrArgumentTypeMismatch
	ErrOutOfFuel
	ErrInsufficientGas
	ErrStoreConflict
	ErrInternalStoreFailure
	ErrGuestTrap
	ErrFallbackContract
)

func (k ErrorKind) String() string {
	switch k {
	case ErrContractNotFound:
		return "ContractNotFound"
	case ErrFunctionNotFound:
		return "FunctionNotFound"
	case ErrUnsupportedContext:
		return "UnsupportedContext"
	case ErrInvalidContractIDSigner:
		return "InvalidContractIdSigner"
	case ErrUnsupportedMultiReturn:
		return "UnsupportedMultiReturn"
	case ErrParseExpression:
		return "ParseExpression"
	case ErrArgumentTypeMismatch:
		return "ArgumentTypeMismatch"
	case ErrOutOfFuel:
		return "OutOfFuel"
	case ErrInsufficientGas:
		return "InsufficientGas"
	case ErrStoreConflict:
		return "StoreConflict"
	case ErrInternalStoreFailure:
		return "InternalStoreFailure"
	case ErrGuestTrap:
		return "GuestTrap"
	case ErrFallbackContract:
		return "FallbackContract"
	default:
		return "Unknown"
	}
}

// Error is the typed error the core surfaces across the execute/call/publish
// boundary. Kind drives the recoverable-vs-fatal propagation policy: only
// ErrInternalStoreFailure is fatal to the current block (see Fatal); every
// other kind is recoverable. An error raised while the guest runs rolls the
// call's savepoint back and, for a procedure, still records a result row; an
// error raised while the call is being prepared (before its savepoint
// opens) is returned with no savepoint and no result row.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the ErrorKind from err if it is (or wraps) an *Error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return 0, false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Fatal reports whether err must abort the current block rather than be
// recovered by rolling back the call's savepoint.
func Fatal(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == ErrInternalStoreFailure
}
