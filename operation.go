package jrnl

import "io"

// Operation is a single journalled state change. Values
// are immutable after construction; the engine calls Save only between
// acquiring and releasing whatever lock LockTarget grants, and calls
// Restore only during replay.
type Operation interface {
	// Opcode and OpVersion select which Operation subtype a
	// (opcode, opversion) pair deserializes into during replay; the
	// engine stores both verbatim in the record header and never
	// interprets them itself.
	Opcode() Opcode
	OpVersion() OpVersion

	// HasBody reports whether Save writes any payload bytes. When
	// false, the record's body length on disk is 0 and Restore(nil) is
	// the only legal deserialization call.
	HasBody() bool

	// TargetType is an opaque identity used to reject operations being
	// applied to the wrong kind of journallable. Comparing the runtime
	// type of the journallable the operation was built against is
	// sufficient; a typical implementation returns reflect.TypeOf on
	// its own journallable pointer type.
	TargetType() any

	// Save writes the operation's body. Called by the engine under the
	// operation's LockTarget(target, true)/(target, false) bracket.
	Save(w io.Writer) error

	// Restore sets the operation to the state that Save would have
	// produced from the given bytes. Must succeed on anything this
	// same (Opcode, OpVersion) previously wrote, and must either
	// succeed or return a recognizable error on anything else.
	Restore(body []byte) error

	// Apply mutates target to reflect this operation. Idempotent only
	// at the granularity of a single replay: applying the restored
	// checkpoint followed by the prior operations in order must yield
	// the state at the moment the record was originally appended. No
	// guarantee holds across repeated calls outside that sequence.
	Apply(target any) error

	// IsIgnorableException is consulted only during replay, when Apply
	// returns err. If it reports true, the failure is absorbed and
	// replay continues — covers operations that succeeded once (and so
	// were durably logged) but whose effect can no longer be legally
	// re-applied to the restored state (e.g. "delete a key that is no
	// longer present").
	IsIgnorableException(err error) bool
}

// Lockable is implemented by operations whose target needs an
// operation-specific lock held across Save+Apply, around
// Journallable.Apply's store-then-apply sequence. Operations that
// don't need this may simply not implement the interface; LockTarget
// is then a no-op.
type Lockable interface {
	// LockTarget acquires (acquire=true) or releases (acquire=false)
	// whatever internal lock of target this operation's Apply needs.
	LockTarget(target any, acquire bool)
}

func lockTarget(op Operation, target any, acquire bool) {
	if l, ok := op.(Lockable); ok {
		l.LockTarget(target, acquire)
	}
}
