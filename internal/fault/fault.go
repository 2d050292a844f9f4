// Package fault defines the error taxonomy shared by the orchestration engine.
//
// Components wrap lower-level errors with a Kind so callers can branch on the
// class of failure (budget, capacity, validation, ...) without string matching,
// and so task status can report a stable error kind to operators.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	Validation       Kind = "validation"
	NotFound         Kind = "not_found"
	SkillResolution  Kind = "skill_resolution"
	BudgetExceeded   Kind = "budget_exceeded"
	CapacityExceeded Kind = "capacity_exceeded"
	ExternalCall     Kind = "external_call"
	Timeout          Kind = "timeout"
	ApprovalRejected Kind = "approval_rejected"
	Conflict         Kind = "conflict"
	Persistence      Kind = "persistence"
	Cancelled        Kind = "cancelled"
	QueueFull        Kind = "queue_full"
	Internal         Kind = "internal"
)

// Error is a classified error. Op names the failing operation in
// "package: operation" form, matching the fmt.Errorf prefixes used elsewhere.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// Internal for unclassified errors, and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether an error of this kind may succeed on retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ExternalCall, Timeout, Conflict:
		return true
	}
	return false
}
