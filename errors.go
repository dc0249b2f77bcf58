package upscaler

import (
	"errors"
	"io/fs"

	"github.com/e7canasta/orion-upscaler/resilience"
)

// ErrorKind identifies the failure class of an *Error.
type ErrorKind int

const (
	KindInvalidInput ErrorKind = iota + 1
	KindGraphExecution
	KindIO
	KindNetwork
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid input"
	case KindGraphExecution:
		return "graph execution"
	case KindIO:
		return "io"
	case KindNetwork:
		return "network"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is returned by every operation in this package, except that a
// context error ending a wait is returned as is (errors.Is(err,
// context.Canceled) or context.DeadlineExceeded).
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Sentinels for errors.Is.
var (
	ErrInvalidInput   = &Error{Kind: KindInvalidInput}
	ErrGraphExecution = &Error{Kind: KindGraphExecution}
	ErrIO             = &Error{Kind: KindIO}
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrDecode         = &Error{Kind: KindDecode}
)

func (e *Error) Error() string {
	s := "upscaler: " + e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels (no message, no cause) by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Retryable reports I/O and network failures as retryable, except missing,
// forbidden or rejected resources.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindIO:
		return !errors.Is(e.Err, fs.ErrNotExist) &&
			!errors.Is(e.Err, fs.ErrPermission) &&
			!errors.Is(e.Err, fs.ErrInvalid)
	case KindNetwork:
		return true
	default:
		return false
	}
}

// ResilienceKind maps the error onto the resilience taxonomy.
func (e *Error) ResilienceKind() resilience.Kind {
	switch e.Kind {
	case KindInvalidInput:
		return resilience.KindValidation
	case KindIO:
		if e.Retryable() {
			return resilience.KindIO
		}
		return resilience.KindPermanent
	case KindNetwork:
		return resilience.KindNetwork
	default:
		return resilience.KindPermanent
	}
}

func invalidInput(msg string) error {
	return &Error{Kind: KindInvalidInput, Msg: msg}
}
