package kvmap_test

import (
	"testing"

	"github.com/coredbx/jrnl"
	"github.com/coredbx/jrnl/filestorage"
	"github.com/coredbx/jrnl/kvmap"
)

func openStorage(t *testing.T, dir string) *filestorage.FileStorage {
	t.Helper()
	fs, err := filestorage.Open(dir, "kv", filestorage.Options{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return fs
}

func TestAddGetDel(t *testing.T) {
	dir := t.TempDir()
	fs := openStorage(t, dir)
	port := jrnl.NewPort(fs)

	m := kvmap.New()
	if _, err := m.SetJournal(port); err != nil {
		t.Fatalf("SetJournal: %v", err)
	}

	if err := m.Add("alpha", "ignored-value"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	v, ok := m.Get("alpha")
	if !ok || v != "ALPHA-ALPHA" {
		t.Fatalf("Get(alpha) = %q, %v; want ALPHA-ALPHA, true", v, ok)
	}

	if err := m.Del("alpha"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok := m.Get("alpha"); ok {
		t.Fatalf("key alpha still present after Del")
	}

	if err := port.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRestartReplaysAfterCheckpoint(t *testing.T) {
	dir := t.TempDir()

	fs1 := openStorage(t, dir)
	port1 := jrnl.NewPort(fs1)
	m1 := kvmap.New()
	if _, err := m1.SetJournal(port1); err != nil {
		t.Fatalf("SetJournal: %v", err)
	}
	if err := m1.Add("a", ""); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if _, err := m1.TakeCheckpoint(nil); err != nil {
		t.Fatalf("TakeCheckpoint: %v", err)
	}
	if err := m1.Add("b", ""); err != nil {
		t.Fatalf("Add b: %v", err)
	}
	if err := port1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fs2 := openStorage(t, dir)
	port2 := jrnl.NewPort(fs2)
	m2 := kvmap.New()
	if err := m2.RestoreFrom(port2, true); err != nil {
		t.Fatalf("RestoreFrom: %v", err)
	}

	if _, ok := m2.Get("a"); !ok {
		t.Fatalf("key a missing after restore")
	}
	if _, ok := m2.Get("b"); !ok {
		t.Fatalf("key b (post-checkpoint record) missing after restore")
	}
	if m2.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m2.Len())
	}
}

func TestAddVersionUpgrade(t *testing.T) {
	// Simulates a v1-format ADD record (key\nvalue) being read by code
	// that now writes v2 (key only, value derived): Restore must still
	// decode the old wire format correctly.
	m := kvmap.New()
	createOp, err := anyCreateOperation(m, 1 /* opAdd */, 1 /* addVersionV1 */)
	if err != nil {
		t.Fatalf("CreateOperation v1: %v", err)
	}
	if err := createOp.Restore([]byte("legacy\nLEGACY-VALUE")); err != nil {
		t.Fatalf("Restore v1: %v", err)
	}
	if err := createOp.Apply(m); err != nil {
		t.Fatalf("Apply v1: %v", err)
	}
	if v, ok := m.Get("legacy"); !ok || v != "LEGACY-VALUE" {
		t.Fatalf("Get(legacy) = %q, %v; want LEGACY-VALUE, true", v, ok)
	}

	// Add goes through Base.Apply, which needs an attached journal.
	port := jrnl.NewPort(openStorage(t, t.TempDir()))
	defer port.Close()
	if _, err := m.SetJournal(port); err != nil {
		t.Fatalf("SetJournal: %v", err)
	}
	if err := m.Add("fresh", "unused"); err != nil {
		t.Fatalf("Add fresh: %v", err)
	}
	if v, ok := m.Get("fresh"); !ok || v != "FRESH-FRESH" {
		t.Fatalf("Get(fresh) = %q, %v; want FRESH-FRESH, true", v, ok)
	}
}

func anyCreateOperation(m *kvmap.Map, opcode, opversion int) (jrnl.Operation, error) {
	return m.CreateOperation(jrnl.Opcode(opcode), jrnl.OpVersion(opversion))
}

func TestDelMissingKeyIgnorableOnReplay(t *testing.T) {
	dir := t.TempDir()
	fs := openStorage(t, dir)
	port := jrnl.NewPort(fs)
	m := kvmap.New()
	if _, err := m.SetJournal(port); err != nil {
		t.Fatalf("SetJournal: %v", err)
	}

	op, err := m.CreateOperation(jrnl.Opcode(2) /* opDel */, jrnl.OpVersion(1))
	if err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if !op.IsIgnorableException(kvmap.ErrKeyNotFound) {
		t.Fatalf("DEL on a missing key must be reported as an ignorable replay exception")
	}
}
