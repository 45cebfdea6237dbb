package jrnl

import (
	"sync"
)

// SkippedRecord is returned by Port.Skip: the opcode/opversion of a
// record whose body was read and discarded rather than applied.
type SkippedRecord struct {
	Opcode    Opcode
	OpVersion OpVersion
	Size      int
}

// Port is the journal handle visible to a Journallable: it owns
// exactly one Storage, mediates Store/Next/Skip, and reports the
// current generation.
//
// Store is safe to call from many threads. Next and Skip may only be
// called during recovery, when no operations are being stored — the
// caller (Base.RestoreFrom) guarantees this by construction.
type Port struct {
	storage Storage

	mu       sync.Mutex // serializes Store
	attached Journallable
}

// NewPort creates a Port owning storage. The Port deletes storage (by
// calling Close) when Close is called on the Port.
func NewPort(storage Storage) *Port {
	return &Port{storage: storage}
}

// Storage returns the underlying storage, e.g. so callers can inspect
// generation or state without going through the journallable.
func (p *Port) Storage() Storage { return p.storage }

// Generation is the current journal generation as known to the
// storage.
func (p *Port) Generation() Generation {
	return p.storage.Generation()
}

// Close releases the underlying storage.
func (p *Port) Close() error {
	return p.storage.Close()
}

// attach associates j with this port, enforcing that a port serves at
// most one journallable at a time. Returns ErrAlreadyAttached if the
// port already has a different journallable attached; attaching the
// same journallable twice is a no-op.
func (p *Port) attach(j Journallable) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached != nil && p.attached != j {
		return ErrAlreadyAttached
	}
	p.attached = j
	return nil
}

func (p *Port) detach(j Journallable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached == j {
		p.attached = nil
	}
}

// Store verifies the attached journallable's type accepts op,
// serializes it, frames it as a record, and appends it via the
// storage. Returns the on-disk record size.
func (p *Port) Store(op Operation) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attached == nil {
		return 0, ErrNoJournal
	}
	if !p.attached.IsOpCompatible(op) {
		return 0, ErrIncompatibleOp
	}

	var body []byte
	if op.HasBody() {
		buf := new(trackingBuffer)
		if err := op.Save(buf); err != nil {
			return 0, newError(KindOpFailed, "store", err)
		}
		body = buf.Bytes()
		if len(body) > MaxOpSize {
			return 0, ErrTooLarge
		}
	}

	framed, err := EncodeRecord(nil, op.Opcode(), op.OpVersion(), body)
	if err != nil {
		return 0, err
	}

	if err := p.storage.AppendRecord(framed); err != nil {
		return 0, err
	}
	return len(framed), nil
}

// Next peeks the next record, asks the attached journallable to
// construct an Operation of its (opcode, opversion), and restores it
// from the record's bytes. Returns ok=false at end-of-journal.
func (p *Port) Next() (op Operation, ok bool, err error) {
	if p.attached == nil {
		return nil, false, ErrNoJournal
	}

	var decodeErr error
	var result Operation
	var found bool

	_, err = p.storage.ReplayRecord(func(opcode Opcode, opversion OpVersion, body []byte) error {
		op, err := p.attached.CreateOperation(opcode, opversion)
		if err != nil {
			decodeErr = err
			return err
		}
		if op.HasBody() {
			err = op.Restore(body)
		} else {
			err = op.Restore(nil)
		}
		if err != nil {
			decodeErr = newError(KindCorrupted, "restore", err)
			return decodeErr
		}
		result = op
		found = true
		return nil
	})
	if decodeErr != nil {
		return nil, false, decodeErr
	}
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return result, true, nil
}

// Skip reads and discards the next record's body, returning its
// opcode/opversion; used by diagnostic tools (cmd/jrnldump) that want
// to walk a journal without constructing or applying operations.
func (p *Port) Skip() (SkippedRecord, bool, error) {
	var rec SkippedRecord
	var found bool
	_, err := p.storage.ReplayRecord(func(opcode Opcode, opversion OpVersion, body []byte) error {
		rec = SkippedRecord{Opcode: opcode, OpVersion: opversion, Size: len(body)}
		found = true
		return nil
	})
	if err != nil {
		return SkippedRecord{}, false, err
	}
	return rec, found, nil
}

// trackingBuffer is a minimal io.Writer accumulating bytes, used so
// Port.Store never depends on bytes.Buffer's broader API surface.
type trackingBuffer struct {
	buf []byte
}

func (b *trackingBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *trackingBuffer) Bytes() []byte { return b.buf }
