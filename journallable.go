package jrnl

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"sync"
)

// State enumerates the mutually exclusive lifecycle states of a
// Journallable:
//
//	Initial -> Restoring -> Restored -> Active <-> Checkpoint
//
// Invalid is a terminal poisoned state reached after an unrecoverable
// engine failure; no further Apply or TakeCheckpoint succeeds from it.
type State int

const (
	StateInitial State = iota
	StateRestoring
	StateRestored
	StateActive
	StateCheckpoint
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateRestoring:
		return "restoring"
	case StateRestored:
		return "restored"
	case StateActive:
		return "active"
	case StateCheckpoint:
		return "checkpoint"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Snapshot is the cheap, immutable view of a Journallable's state
// produced by StartCheckpoint and streamed out by Save. Split from
// StartCheckpoint/FinishCheckpoint so that taking the snapshot can be
// fast (copy-on-write, version stamp, freeze) while Save streams it
// without blocking concurrent Apply calls.
type Snapshot interface {
	Save(w io.Writer) error
}

// Journallable is the application-defined object whose state is kept
// durable by the engine. A concrete type embeds *Base and implements
// this interface; Base supplies RestoreFrom, SetJournal, Apply and
// TakeCheckpoint on top of it.
type Journallable interface {
	// CreateOperation is the abstract factory called during replay.
	// Must return an Operation able to Restore the bytes the same
	// (opcode, opversion) previously produced. An unknown opcode must
	// fail with a KindOpcode error; an unknown version of a known
	// opcode with KindOpVersion. Both are fatal to recovery.
	CreateOperation(opcode Opcode, opversion OpVersion) (Operation, error)

	// IsOpCompatible reports whether op may be applied to this
	// journallable. Concrete types typically delegate to
	// DefaultIsOpCompatible and widen only if they accept more than
	// their own TargetType.
	IsOpCompatible(op Operation) bool

	// FillUserMagic produces the 8-byte user magic of this
	// journallable; ok=false means "don't care". Base does not call
	// it: the magic stamped into checkpoint and segment headers, and
	// whether it is verified on read, are set on the storage itself
	// (filestorage.Options.UserMagic and CheckUserMagic).
	FillUserMagic() (magic Magic, ok bool)

	// RestoreCheckpoint sets in-memory state to match the snapshot
	// read from r (of the given size). Called once, early in
	// RestoreFrom.
	RestoreCheckpoint(r io.Reader, size int64) error

	// StartCheckpoint builds and returns an immutable snapshot of the
	// state needed for a checkpoint. Must return promptly.
	StartCheckpoint() (Snapshot, error)

	// FinishCheckpoint releases resources held by snap. Must not
	// panic or otherwise fail; all cleanup here is terminal.
	FinishCheckpoint(snap Snapshot)
}

// DefaultIsOpCompatible implements the default compatibility rule:
// op's TargetType must equal self's own runtime type.
func DefaultIsOpCompatible(self Journallable, op Operation) bool {
	return op.TargetType() == reflect.TypeOf(self)
}

// Base implements the journalling engine's state machine and locking
// discipline so that a concrete Journallable only needs to supply the
// hooks in the interface above plus its own operation types. Embed
// *Base in the concrete type and call NewBase once, passing the outer
// value, since Go has no way for an embedded base to discover the type
// embedding it.
type Base struct {
	self Journallable

	sm *stateMachine[State]

	journalLock    sync.RWMutex // J: guards port attachment
	checkpointLock sync.Mutex   // C: serializes TakeCheckpoint

	port   *Port
	logger *slog.Logger
}

// SetLogger overrides the logger used for state-poisoning and
// checkpoint events; the default is slog.Default().
func (b *Base) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	b.logger = logger
}

func (b *Base) log() *slog.Logger {
	if b.logger == nil {
		return slog.Default()
	}
	return b.logger
}

// NewBase constructs a Base bound to self. self must be the concrete
// journallable value that embeds this Base (typically a pointer
// receiver type), e.g.:
//
//	type Map struct {
//		*jrnl.Base
//		...
//	}
//	m := &Map{}
//	m.Base = jrnl.NewBase(m)
func NewBase(self Journallable) *Base {
	return &Base{
		self: self,
		sm:   newStateMachine(StateInitial),
	}
}

// State reports the current lifecycle state.
func (b *Base) State() State { return b.sm.Get() }

// Journal returns the currently attached port, or nil.
func (b *Base) Journal() *Port {
	b.journalLock.RLock()
	defer b.journalLock.RUnlock()
	return b.port
}

// RestoreFrom replays port's checkpoint and trailing operations into
// self. Requires State() == StateInitial. If adopt is true, it
// continues into SetJournal(port) on success.
func (b *Base) RestoreFrom(port *Port, adopt bool) error {
	if port == nil {
		return newError(KindBadArg, "restore_from", nil)
	}

	b.journalLock.Lock()

	if !b.sm.Transition([]State{StateInitial}, StateRestoring) {
		b.journalLock.Unlock()
		return newError(KindState, "restore_from", nil)
	}

	err := port.storage.ReplayCheckpoint(func(r io.Reader, size int64) error {
		return b.self.RestoreCheckpoint(r, size)
	})
	if err != nil {
		b.sm.Set(StateInvalid)
		b.journalLock.Unlock()
		return newError(KindCorrupted, "restore_from", err)
	}

	if err := port.attach(b.self); err != nil {
		b.sm.Set(StateInvalid)
		b.journalLock.Unlock()
		return err
	}

	for {
		op, ok, err := port.Next()
		if err != nil {
			port.detach(b.self)
			b.sm.Set(StateInvalid)
			b.journalLock.Unlock()
			return err
		}
		if !ok {
			break
		}
		applyErr := op.Apply(b.self)
		if applyErr != nil {
			if op.IsIgnorableException(applyErr) {
				b.log().Debug("ignoring replay exception", "opcode", op.Opcode(), "opversion", op.OpVersion(), "err", applyErr)
				continue
			}
			port.detach(b.self)
			b.sm.Set(StateInvalid)
			b.journalLock.Unlock()
			b.log().Error("journallable poisoned during replay", "opcode", op.Opcode(), "opversion", op.OpVersion(), "err", applyErr)
			return newError(KindOpFailed, "restore_from", applyErr)
		}
	}

	port.detach(b.self)
	b.sm.Set(StateRestored)
	b.journalLock.Unlock()
	b.log().Info("journallable restored")

	if adopt {
		_, err := b.SetJournal(port)
		return err
	}
	return nil
}

// SetJournal attaches port to self, taking an initial checkpoint so the
// on-disk state reflects the in-memory state under a fresh generation.
// Requires State() in {StateInitial, StateRestored} and port not
// attached elsewhere. Returns the previously attached port, which may
// be nil.
func (b *Base) SetJournal(port *Port) (*Port, error) {
	if port == nil {
		return nil, newError(KindBadArg, "set_journal", nil)
	}

	b.journalLock.Lock()
	defer b.journalLock.Unlock()

	cur := b.sm.Get()
	if cur != StateInitial && cur != StateRestored {
		return nil, newError(KindState, "set_journal", nil)
	}

	if err := port.attach(b.self); err != nil {
		return nil, err
	}

	if port.storage.State() == StorageReadable {
		if err := port.storage.MakeWritable(); err != nil {
			port.detach(b.self)
			return nil, err
		}
	}

	b.checkpointLock.Lock()
	_, err := b.runCheckpoint()
	b.checkpointLock.Unlock()
	if err != nil {
		port.detach(b.self)
		return nil, err
	}

	prev := b.port
	b.port = port
	b.sm.Set(StateActive)
	return prev, nil
}

// Apply journals op durably via the attached port and then mutates
// in-memory state. If Port.Store fails, in-memory state is untouched.
// If op.Apply fails after Store succeeded, self is poisoned to
// StateInvalid: the log now holds an effect memory does not reflect,
// so further writes would be unsafe.
func (b *Base) Apply(op Operation) error {
	b.journalLock.RLock()
	defer b.journalLock.RUnlock()

	if b.sm.Get() != StateActive {
		return newError(KindState, "apply", nil)
	}
	if !b.self.IsOpCompatible(op) {
		return ErrIncompatibleOp
	}

	port := b.port
	if port == nil {
		return ErrNoJournal
	}

	lockTarget(op, b.self, true)
	defer lockTarget(op, b.self, false)

	if _, err := port.Store(op); err != nil {
		return err
	}

	if err := op.Apply(b.self); err != nil {
		b.sm.Set(StateInvalid)
		b.log().Error("journallable poisoned: apply failed after store", "opcode", op.Opcode(), "opversion", op.OpVersion(), "err", err)
		return newError(KindOpFailed, "apply", err)
	}
	return nil
}

// TakeCheckpoint runs the full checkpoint protocol, step-by-step in
// runCheckpoint, and returns the new generation. Requires State() ==
// StateActive. At most one checkpoint runs at a time per Base
// (checkpointLock). Apply does not wait on it (journalLock is taken
// only in shared mode), but while the checkpoint runs the state is
// StateCheckpoint and Apply fails with a KindState error.
func (b *Base) TakeCheckpoint(ctx context.Context) (Generation, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return NoGeneration, err
	}

	b.journalLock.RLock()
	defer b.journalLock.RUnlock()

	if b.sm.Get() != StateActive {
		return NoGeneration, newError(KindState, "take_checkpoint", nil)
	}
	port := b.port
	if port == nil {
		return NoGeneration, ErrNoJournal
	}

	b.checkpointLock.Lock()
	defer b.checkpointLock.Unlock()

	if !b.sm.Transition([]State{StateActive}, StateCheckpoint) {
		return NoGeneration, newError(KindState, "take_checkpoint", nil)
	}
	gen, err := b.runCheckpoint()
	// Always return to Active: a failure after start_checkpoint rolls
	// the storage side back (runCheckpoint's non-committing close), so
	// the journallable itself never needs to be poisoned by a failed
	// checkpoint.
	b.sm.Set(StateActive)
	if err != nil {
		b.log().Warn("checkpoint failed, rolled back", "err", err)
		return NoGeneration, err
	}
	b.log().Info("checkpoint committed", "generation", int64(gen))
	return gen, nil
}

// runCheckpoint executes start/create/save/finish/close against
// b.port, assuming the caller already holds checkpointLock (and,
// transitively, journalLock). It never changes b.sm; callers decide
// what state to return to.
func (b *Base) runCheckpoint() (Generation, error) {
	port := b.port
	if port == nil {
		return NoGeneration, ErrNoJournal
	}

	snap, err := b.self.StartCheckpoint()
	if err != nil {
		return NoGeneration, newError(KindOpFailed, "start_checkpoint", err)
	}

	w, gen, err := port.storage.CreateCheckpoint()
	if err != nil {
		b.self.FinishCheckpoint(snap)
		return NoGeneration, err
	}

	saveErr := snap.Save(w)
	b.self.FinishCheckpoint(snap)

	if saveErr != nil {
		_ = port.storage.CloseCheckpoint(false)
		return NoGeneration, newError(KindOpFailed, "save_checkpoint", saveErr)
	}

	if err := port.storage.CloseCheckpoint(true); err != nil {
		return NoGeneration, err
	}
	return gen, nil
}
