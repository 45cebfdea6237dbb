package jrnl

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a journal error into a small fixed set of
// categories, so callers can branch on failure category without parsing
// messages.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindBadArg
	KindState
	KindClosed
	KindOpcode
	KindOpVersion
	KindOpFailed
	KindCorrupted
	KindIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadArg:
		return "bad_arg"
	case KindState:
		return "state_error"
	case KindClosed:
		return "object_closed"
	case KindOpcode:
		return "opcode_error"
	case KindOpVersion:
		return "opversion_error"
	case KindOpFailed:
		return "op_error"
	case KindCorrupted:
		return "corrupted"
	case KindIO:
		return "io_error"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the error kind the engine needs
// to make recovery and propagation decisions.
type Error struct {
	Kind  ErrorKind
	Op    string // what the engine was doing, e.g. "replay_record"
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("jrnl: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("jrnl: %s: %s: %v", e.Op, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// KindOf extracts the ErrorKind of err, or KindUnknown if err was not
// produced by this package.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err (or anything it wraps) has the given kind.
func Is(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

var (
	// ErrClosed is returned by filestorage.FileStorage.ReplayCheckpoint
	// once the storage is closed. Other FileStorage and Port calls on a
	// closed storage do not return it (AppendRecord, MakeWritable and
	// CreateCheckpoint fail with a KindState error).
	ErrClosed = newError(KindClosed, "", errors.New("object is closed"))

	// ErrNoJournal is returned by operations that require an attached
	// Port when none is attached.
	ErrNoJournal = newError(KindState, "", errors.New("journallable has no attached journal"))

	// ErrAlreadyAttached is returned by SetJournal when the port is
	// already attached to a different journallable.
	ErrAlreadyAttached = newError(KindState, "set_journal", errors.New("port already attached to another journallable"))

	// ErrPoisoned describes the invalid (poisoned) state. Apply and
	// TakeCheckpoint on a poisoned journallable fail with KindState
	// errors of their own, not with this value.
	ErrPoisoned = newError(KindState, "", errors.New("journallable is poisoned"))

	// ErrIncompatibleOp is returned when an Operation's target type
	// does not match the journallable it is being applied to.
	ErrIncompatibleOp = newError(KindBadArg, "apply", errors.New("operation not compatible with this journallable"))

	// ErrTooLarge is returned when an operation body exceeds MaxOpSize.
	ErrTooLarge = newError(KindBadArg, "store", errors.New("operation body exceeds MaxOpSize"))

	// ErrIncompatibleUserMagic is returned when a checkpoint or segment
	// file's stamped user magic does not match the one the
	// storage expects (see filestorage.Options.CheckUserMagic).
	ErrIncompatibleUserMagic = newError(KindCorrupted, "", errors.New("user magic mismatch"))
)
