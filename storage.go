package jrnl

import "io"

// StorageState enumerates the mutually exclusive lifecycle states a
// Storage implementation moves through:
//
//	Initial -> Created | Readable -> Writable | ReadOnly -> Closed
type StorageState int

const (
	StorageInitial StorageState = iota
	StorageCreated
	StorageReadable
	StorageWritable
	StorageReadOnly
	StorageClosed
)

func (s StorageState) String() string {
	switch s {
	case StorageInitial:
		return "initial"
	case StorageCreated:
		return "created"
	case StorageReadable:
		return "readable"
	case StorageWritable:
		return "writable"
	case StorageReadOnly:
		return "readonly"
	case StorageClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CheckpointHandler is invoked exactly once by ReplayCheckpoint with a
// stream positioned at the start of the snapshot payload and its size.
type CheckpointHandler func(r io.Reader, size int64) error

// RecordHandler is invoked by ReplayRecord with one decoded record.
type RecordHandler func(opcode Opcode, opversion OpVersion, body []byte) error

// Storage is the byte-level container holding one checkpoint and its
// ordered chain of segments. All methods are synchronous; a concrete
// Storage does its own I/O batching if it wants any.
//
// A Storage guards itself with a reader/writer lock: AppendRecord,
// CreateCheckpoint, CloseCheckpoint and MakeWritable take it
// exclusively; ReplayRecord/ReplayCheckpoint take it shared.
// Implementations are expected to provide this locking themselves —
// the interface does not.
type Storage interface {
	// State reports the current lifecycle state.
	State() StorageState

	// Generation reports the journal generation as currently known to
	// this storage (NoGeneration before the first checkpoint exists).
	Generation() Generation

	// ReplayCheckpoint invokes handler once with the payload of the
	// latest committed checkpoint. Valid in StorageReadable or
	// StorageReadOnly. Fails with KindCorrupted if the checkpoint's
	// header or integrity check fails.
	ReplayCheckpoint(handler CheckpointHandler) error

	// ReplayRecord reads the next operation record from the active
	// segment chain, invoking handler and returning true, or returns
	// false at end-of-journal. A truncated trailing record at the
	// absolute end of the last segment is end-of-journal, not an
	// error; any other framing or checksum failure is KindCorrupted.
	ReplayRecord(handler RecordHandler) (bool, error)

	// MakeWritable transitions StorageReadable -> StorageWritable.
	// Illegal (KindState) from StorageReadOnly.
	MakeWritable() error

	// AppendRecord appends one framed operation record, built by
	// concatenating parts, atomically with respect to readers of
	// sealed segments and to recovery. Valid only in StorageWritable.
	AppendRecord(parts ...[]byte) error

	// CreateCheckpoint seals the current segment, allocates a new
	// checkpoint file for the next generation, and returns a stream
	// into its payload region. Valid only in StorageWritable; only one
	// checkpoint may be under construction at a time.
	CreateCheckpoint() (io.Writer, Generation, error)

	// CloseCheckpoint finalizes the in-progress checkpoint. On
	// commit=true, the checkpoint becomes the latest durable one and a
	// fresh segment opens for the new generation. On commit=false, all
	// bytes written since CreateCheckpoint are discarded and the
	// previously committed checkpoint remains authoritative.
	CloseCheckpoint(commit bool) error

	// Close releases all resources. Idempotent.
	Close() error
}
