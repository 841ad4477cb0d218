package service

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestrator failure so callers can branch on it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation covers malformed documents, bad signer lists and missing images.
	KindValidation
	// KindState covers wrong turn, terminal contracts and missing assignments.
	KindState
	// KindConnectivity covers unreachable persistence or blob storage.
	KindConnectivity
	// KindProcessing covers annotation and image decoding failures.
	KindProcessing
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindConnectivity:
		return "connectivity"
	case KindProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Retryable reports whether the caller may retry the whole operation.
func (k Kind) Retryable() bool {
	return k == KindConnectivity
}

// Error is returned by every SigningService mutation. Msg is safe to show to users.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the user-facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func validationError(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

func stateError(op, msg string) error {
	return &Error{Kind: KindState, Op: op, Msg: msg}
}

func connectivityError(op, msg string, err error) error {
	return &Error{Kind: KindConnectivity, Op: op, Msg: msg, Err: err}
}

func processingError(op, msg string, err error) error {
	return &Error{Kind: KindProcessing, Op: op, Msg: msg, Err: err}
}

// Repository sentinels
var (
	// ErrNotFound is returned when a contract or assignment does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set finds the row changed.
	ErrConflict = errors.New("concurrent modification")
)
