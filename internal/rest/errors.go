package rest

import (
	"errors"
	"fmt"
)

// Kind classifies a transport failure. The caller's recovery strategy
// depends only on the kind, never on the underlying error text.
type Kind int

const (
	// KindTransient covers timeouts and connection drops. Retriable.
	KindTransient Kind = iota
	// KindAuth covers missing or rejected credentials. Forces logout.
	KindAuth
	// KindConflict marks an "already exists" response. Open-chat treats
	// it as success; everywhere else it is terminal.
	KindConflict
	// KindValidation covers inputs rejected before any network call.
	KindValidation
	// KindServer covers an explicit failure envelope. Terminal.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error is a typed transport failure.
type Error struct {
	Kind    Kind
	Op      string // e.g. "list chats"
	Message string // server-provided message, verbatim, when present
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Kind)
	}
	return fmt.Sprintf("%s failed (%s)", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindServer if err is not a *Error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindServer
}

// IsTransient reports whether err is a retriable network failure.
func IsTransient(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindTransient
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindAuth
}
