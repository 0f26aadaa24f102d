// Package workerr implements the error taxonomy the rest of the worker
// classifies failures into: config, auth, transient-broker, permanent-broker,
// data, and fatal. Callers branch on Retryable rather than matching strings.
package workerr

import "errors"

// Kind enumerates the error taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindAuth
	KindTransientBroker
	KindPermanentBroker
	KindData
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindTransientBroker:
		return "transient_broker"
	case KindPermanentBroker:
		return "permanent_broker"
	case KindData:
		return "data"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a taxonomy kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the gateway retry loop should retry this error.
// Only transient-broker and auth (after a forced re-auth) errors are retryable.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientBroker || e.Kind == KindAuth
}

func newErr(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Config(op string, err error) *Error          { return newErr(KindConfig, op, err) }
func Auth(op string, err error) *Error            { return newErr(KindAuth, op, err) }
func TransientBroker(op string, err error) *Error { return newErr(KindTransientBroker, op, err) }
func PermanentBroker(op string, err error) *Error { return newErr(KindPermanentBroker, op, err) }
func Data(op string, err error) *Error            { return newErr(KindData, op, err) }
func Fatal(op string, err error) *Error           { return newErr(KindFatal, op, err) }

// As reports the Kind of err if it (or something it wraps) is an *Error.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindUnknown, false
}

// IsRetryable reports whether err should be retried by the gateway loop.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Sentinel errors checked with errors.Is across package boundaries.
var (
	ErrDuplicatePending = errors.New("duplicate_order_blocked")
	ErrLiquidationMode  = errors.New("liquidation_mode_active")
	ErrInsufficientCash = errors.New("insufficient_deposit")
	ErrAuthExpired      = errors.New("auth_token_expired")
	ErrNotFound         = errors.New("not_found")
)
