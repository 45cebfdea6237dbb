// Package kvmap is a small replicated string map used to exercise the
// jrnl engine end to end: every mutation goes through an Operation and
// survives restart via checkpoint plus replay.
package kvmap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/coredbx/jrnl"
)

var userMagic = jrnl.Magic{'K', 'V', 'M', 'A', 'P', ' ', ' ', ' '}

// Map is a jrnl.Journallable: an in-memory string map whose ADD, DEL
// and CLR mutations are journalled before taking effect.
type Map struct {
	*jrnl.Base

	mu   sync.RWMutex
	data map[string]string
}

// New constructs an unattached Map. Call SetJournal, or RestoreFrom
// with adopt=true (via its embedded *jrnl.Base), before Apply will
// accept operations.
func New() *Map {
	m := &Map{data: make(map[string]string)}
	m.Base = jrnl.NewBase(m)
	return m
}

// Get reads a key under the map's own lock, independent of the
// journal lock Base.Apply holds — readers never block on Apply taking
// out the shared journalLock, only on the map's own mutex.
func (m *Map) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// Len reports the number of keys currently in the map.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Add journals and applies an ADD operation, always at the current
// (latest) OpVersion.
func (m *Map) Add(key, value string) error {
	return m.Apply(&addOp{key: key, value: value, version: addVersionCurrent})
}

// Del journals and applies a DEL operation.
func (m *Map) Del(key string) error {
	return m.Apply(&delOp{key: key})
}

// Clear journals and applies a CLR operation.
func (m *Map) Clear() error {
	return m.Apply(&clrOp{})
}

func (m *Map) IsOpCompatible(op jrnl.Operation) bool {
	return jrnl.DefaultIsOpCompatible(m, op)
}

func (m *Map) FillUserMagic() (jrnl.Magic, bool) {
	return userMagic, true
}

func (m *Map) CreateOperation(opcode jrnl.Opcode, opversion jrnl.OpVersion) (jrnl.Operation, error) {
	switch opcode {
	case opAdd:
		switch opversion {
		case addVersionV1, addVersionV2:
			return &addOp{version: opversion}, nil
		default:
			return nil, &jrnl.Error{Kind: jrnl.KindOpVersion, Op: "create_operation", Cause: fmt.Errorf("kvmap: unsupported ADD opversion %d", opversion)}
		}
	case opDel:
		if opversion != 1 {
			return nil, &jrnl.Error{Kind: jrnl.KindOpVersion, Op: "create_operation", Cause: fmt.Errorf("kvmap: unsupported DEL opversion %d", opversion)}
		}
		return &delOp{}, nil
	case opClr:
		if opversion != 1 {
			return nil, &jrnl.Error{Kind: jrnl.KindOpVersion, Op: "create_operation", Cause: fmt.Errorf("kvmap: unsupported CLR opversion %d", opversion)}
		}
		return &clrOp{}, nil
	default:
		return nil, &jrnl.Error{Kind: jrnl.KindOpcode, Op: "create_operation", Cause: fmt.Errorf("kvmap: unknown opcode %d", opcode)}
	}
}

// mapSnapshot is the Snapshot StartCheckpoint hands to the engine: a
// frozen copy of the map taken under lock, streamed out lock-free.
type mapSnapshot struct {
	entries map[string]string
}

func (s *mapSnapshot) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(s.entries)))
	if _, err := bw.Write(countBuf[:]); err != nil {
		return err
	}
	for k, v := range s.entries {
		if err := writeLenPrefixed(bw, k); err != nil {
			return err
		}
		if err := writeLenPrefixed(bw, v); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (m *Map) StartCheckpoint() (jrnl.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make(map[string]string, len(m.data))
	for k, v := range m.data {
		entries[k] = v
	}
	return &mapSnapshot{entries: entries}, nil
}

func (m *Map) FinishCheckpoint(jrnl.Snapshot) {
	// Nothing to release: mapSnapshot holds no external resources.
}

func (m *Map) RestoreCheckpoint(r io.Reader, size int64) error {
	br := bufio.NewReader(io.LimitReader(r, size))
	var countBuf [4]byte
	if _, err := io.ReadFull(br, countBuf[:]); err != nil {
		if err == io.EOF {
			m.mu.Lock()
			m.data = make(map[string]string)
			m.mu.Unlock()
			return nil
		}
		return err
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	data := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		key, err := readLenPrefixed(br)
		if err != nil {
			return err
		}
		value, err := readLenPrefixed(br)
		if err != nil {
			return err
		}
		data[key] = value
	}

	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

func writeLenPrefixed(w io.Writer, s string) error {
	var lbuf [4]byte
	binary.LittleEndian.PutUint32(lbuf[:], uint32(len(s)))
	if _, err := w.Write(lbuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readLenPrefixed(r io.Reader) (string, error) {
	var lbuf [4]byte
	if _, err := io.ReadFull(r, lbuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(lbuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
