package oaeerr

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for propagation and for the user-visible code.
type Kind int

const (
	Internal Kind = iota
	InvalidInput
	NotFound
	Conflict
	Locked
	BadPin
	StorageUnavailable
	AdapterUnavailable
	AdapterRejected
	PolicyViolation
)

var kindCodes = map[Kind]string{
	Internal:           "internal",
	InvalidInput:       "invalid_input",
	NotFound:           "not_found",
	Conflict:           "conflict",
	Locked:             "locked",
	BadPin:             "bad_pin",
	StorageUnavailable: "storage_unavailable",
	AdapterUnavailable: "adapter_unavailable",
	AdapterRejected:    "adapter_rejected",
	PolicyViolation:    "policy_violation",
}

// Code is the stable string used for localization on the storefront side.
func (k Kind) Code() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[Internal]
}

func (k Kind) String() string {
	return k.Code()
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind.Code())
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind.Code(), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind with a formatted message.
func New(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithStack(err)}
}

// KindOf returns the kind of the outermost *Error in the chain, Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Code returns the stable user-facing code for err, empty for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	return KindOf(err).Code()
}

// Retryable reports whether a local bounded retry may help.
func Retryable(err error) bool {
	switch KindOf(err) {
	case StorageUnavailable, AdapterUnavailable:
		return true
	}
	return false
}

// ExitCode maps an error to the operator CLI exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case InvalidInput, NotFound, Conflict, PolicyViolation:
		return 2
	case Locked, BadPin:
		return 3
	case StorageUnavailable:
		return 4
	case AdapterUnavailable, AdapterRejected:
		return 5
	}
	return 1
}
