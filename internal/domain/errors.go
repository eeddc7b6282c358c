package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
)

// ErrorKind classifies engine failures. Callers match on kinds with
// errors.Is against the Err* kind sentinels below.
type ErrorKind string

const (
	KindAuthorization ErrorKind = "authorization"
	KindState         ErrorKind = "state"
	KindValidation    ErrorKind = "validation"
	KindEconomic      ErrorKind = "economic"
	KindArithmetic    ErrorKind = "arithmetic"
	KindConsistency   ErrorKind = "consistency"
)

// Kind sentinels. errors.Is(err, ErrState) reports whether err carries the
// state kind anywhere in its chain.
var (
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrState         = &Error{Kind: KindState}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrEconomic      = &Error{Kind: KindEconomic}
	ErrArithmetic    = &Error{Kind: KindArithmetic}
	ErrConsistency   = &Error{Kind: KindConsistency}
)

// Error is the engine's classified error.
type Error struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "lmsr.buy"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind, so kind sentinels work with
// errors.Is regardless of Op and Msg.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newErr(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// AuthorizationErr reports a caller lacking the required capability.
func AuthorizationErr(op, format string, args ...any) error {
	return newErr(KindAuthorization, op, format, args...)
}

// StateErr reports an operation invalid for the current lifecycle state.
func StateErr(op, format string, args ...any) error {
	return newErr(KindState, op, format, args...)
}

// ValidationErr reports malformed input.
func ValidationErr(op, format string, args ...any) error {
	return newErr(KindValidation, op, format, args...)
}

// EconomicErr reports insufficient funds, slippage or an expired deadline.
func EconomicErr(op, format string, args ...any) error {
	return newErr(KindEconomic, op, format, args...)
}

// ArithmeticErr reports a bound violation or fixed-point failure.
func ArithmeticErr(op, format string, args ...any) error {
	return newErr(KindArithmetic, op, format, args...)
}

// ConsistencyErr reports a resolution attempted without a clear outcome.
func ConsistencyErr(op, format string, args ...any) error {
	return newErr(KindConsistency, op, format, args...)
}

// Wrap classifies err under kind, keeping it in the chain.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
