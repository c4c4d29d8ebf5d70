// Package appvault holds the error kinds shared by the backup ledger and the
// storage layout packages.
package appvault

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can tell "retry later" apart from
// "the caller has a bug".
type Kind int

const (
	// KindUnknown is any error not produced by this module.
	KindUnknown Kind = iota
	// KindIO means a sink, cache or directory operation failed.
	KindIO
	// KindNotFound means an expected directory or ledger entry is absent.
	KindNotFound
	// KindContractViolation means a documented precondition was broken.
	KindContractViolation
	// KindUnrecoverable means persisted state is corrupt and cannot be trusted.
	KindUnrecoverable
)

var (
	// ErrIO is matched by every I/O failure.
	ErrIO = errors.New("i/o error")

	// ErrNotFound is matched by every missing-entry failure.
	ErrNotFound = errors.New("not found")

	// ErrContractViolation is matched when a caller broke a precondition.
	ErrContractViolation = errors.New("contract violation")

	// ErrUnrecoverable is matched by the panic value raised on a corrupt cache.
	ErrUnrecoverable = errors.New("unrecoverable")
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindNotFound:
		return "not_found"
	case KindContractViolation:
		return "contract_violation"
	case KindUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindIO:
		return ErrIO
	case KindNotFound:
		return ErrNotFound
	case KindContractViolation:
		return ErrContractViolation
	case KindUnrecoverable:
		return ErrUnrecoverable
	default:
		return nil
	}
}

// Error is a classified failure of an operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind.sentinel(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's own kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// IOError wraps err as an I/O failure of op. err may be nil.
func IOError(op string, err error) error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}

// NotFoundError wraps err as a not-found failure of op. err may be nil.
func NotFoundError(op string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// ContractViolation returns an error describing a broken precondition.
func ContractViolation(format string, args ...any) error {
	return &Error{Kind: KindContractViolation, Op: fmt.Sprintf(format, args...)}
}

// Unrecoverable wraps err as corrupt state.
func Unrecoverable(op string, err error) error {
	return &Error{Kind: KindUnrecoverable, Op: op, Err: err}
}

// KindOf reports the kind of err. The outermost classified error decides;
// errors that only match a sentinel are classified by the most severe match.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrUnrecoverable):
		return KindUnrecoverable
	case errors.Is(err, ErrContractViolation):
		return KindContractViolation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrIO):
		return KindIO
	default:
		return KindUnknown
	}
}

// Retryable reports whether the failed operation may succeed when retried,
// for example once the storage location is reachable again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindIO, KindNotFound:
		return true
	default:
		return false
	}
}
