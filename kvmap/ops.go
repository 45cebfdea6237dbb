package kvmap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/coredbx/jrnl"
)

const (
	opAdd jrnl.Opcode = iota + 1
	opDel
	opClr
)

const (
	addVersionV1       jrnl.OpVersion = 1 // body: "key\nvalue"
	addVersionV2       jrnl.OpVersion = 2 // body: "key"; value derived, see addOp.Apply
	addVersionCurrent                 = addVersionV2
)

// ErrKeyNotFound is returned by DEL when the key is absent. It is
// ignorable during replay (addOp/clrOp are idempotent by nature; DEL
// is the one operation that can legitimately no-op against a map a
// checkpoint already reflects).
var ErrKeyNotFound = errors.New("kvmap: key not found")

var mapTargetType = reflect.TypeOf((*Map)(nil))

type addOp struct {
	key, value string
	version    jrnl.OpVersion
}

func (op *addOp) Opcode() jrnl.Opcode       { return opAdd }
func (op *addOp) OpVersion() jrnl.OpVersion { return op.version }
func (op *addOp) HasBody() bool             { return true }
func (op *addOp) TargetType() any           { return mapTargetType }
func (op *addOp) IsIgnorableException(error) bool { return false }

func (op *addOp) Save(w io.Writer) error {
	switch op.version {
	case addVersionV1:
		_, err := fmt.Fprintf(w, "%s\n%s", op.key, op.value)
		return err
	case addVersionV2:
		_, err := io.WriteString(w, op.key)
		return err
	default:
		return fmt.Errorf("kvmap: addOp: unsupported opversion %d", op.version)
	}
}

// Restore parses body according to op.version, which CreateOperation
// already set before calling Restore. Versioning this way — the
// opversion selects the wire layout — is what lets old records on disk
// keep decoding correctly after the application starts writing v2.
func (op *addOp) Restore(body []byte) error {
	switch op.version {
	case addVersionV1:
		key, value, ok := bytes.Cut(body, []byte{'\n'})
		if !ok {
			return fmt.Errorf("kvmap: addOp v1: missing separator")
		}
		op.key = string(key)
		op.value = string(value)
		return nil
	case addVersionV2:
		op.key = string(body)
		return nil
	default:
		return fmt.Errorf("kvmap: addOp: unsupported opversion %d", op.version)
	}
}

func (op *addOp) Apply(target any) error {
	m := target.(*Map)
	value := op.value
	if op.version == addVersionV2 {
		upper := strings.ToUpper(op.key)
		value = upper + "-" + upper
	}
	m.mu.Lock()
	m.data[op.key] = value
	m.mu.Unlock()
	return nil
}

type delOp struct {
	key string
}

func (op *delOp) Opcode() jrnl.Opcode             { return opDel }
func (op *delOp) OpVersion() jrnl.OpVersion       { return 1 }
func (op *delOp) HasBody() bool                   { return true }
func (op *delOp) TargetType() any                 { return mapTargetType }
func (op *delOp) Save(w io.Writer) error          { _, err := io.WriteString(w, op.key); return err }
func (op *delOp) Restore(body []byte) error       { op.key = string(body); return nil }
func (op *delOp) IsIgnorableException(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

func (op *delOp) Apply(target any) error {
	m := target.(*Map)
	m.mu.Lock()
	_, ok := m.data[op.key]
	if ok {
		delete(m.data, op.key)
	}
	m.mu.Unlock()
	if !ok {
		return ErrKeyNotFound
	}
	return nil
}

type clrOp struct{}

func (op *clrOp) Opcode() jrnl.Opcode             { return opClr }
func (op *clrOp) OpVersion() jrnl.OpVersion       { return 1 }
func (op *clrOp) HasBody() bool                   { return false }
func (op *clrOp) TargetType() any                 { return mapTargetType }
func (op *clrOp) Save(io.Writer) error             { return nil }
func (op *clrOp) Restore([]byte) error             { return nil }
func (op *clrOp) IsIgnorableException(error) bool { return false }

func (op *clrOp) Apply(target any) error {
	m := target.(*Map)
	m.mu.Lock()
	m.data = make(map[string]string)
	m.mu.Unlock()
	return nil
}
