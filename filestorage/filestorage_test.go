package filestorage

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/coredbx/jrnl"
)

func TestOpenCreatesEmptyJournal(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir, "j", Options{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fs.Close()

	if fs.State() != jrnl.StorageReadable {
		t.Fatalf("State() = %v, want Readable", fs.State())
	}
	if fs.Generation() != 0 {
		t.Fatalf("Generation() = %d, want 0", fs.Generation())
	}

	var sawCheckpoint bool
	if err := fs.ReplayCheckpoint(func(r io.Reader, size int64) error {
		sawCheckpoint = true
		if size != 0 {
			t.Fatalf("checkpoint size = %d, want 0", size)
		}
		return nil
	}); err != nil {
		t.Fatalf("ReplayCheckpoint: %v", err)
	}
	if !sawCheckpoint {
		t.Fatalf("ReplayCheckpoint handler never called")
	}

	ok, err := fs.ReplayRecord(nil)
	if err != nil {
		t.Fatalf("ReplayRecord: %v", err)
	}
	if ok {
		t.Fatalf("ReplayRecord reported a record in a brand new journal")
	}
}

func TestOpenWithoutCreateFailsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir, "j", Options{})
	if err == nil {
		t.Fatalf("Open: want error for missing journal without CreateIfMissing")
	}
}

func TestAppendAndReplayRecords(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir, "j", Options{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fs.Close()

	if err := fs.MakeWritable(); err != nil {
		t.Fatalf("MakeWritable: %v", err)
	}

	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for i, body := range want {
		framed, err := jrnl.EncodeRecord(nil, jrnl.Opcode(i), jrnl.OpVersion(1), body)
		if err != nil {
			t.Fatalf("EncodeRecord: %v", err)
		}
		if err := fs.AppendRecord(framed); err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
	}

	var got [][]byte
	for {
		ok, err := fs.ReplayRecord(func(opcode jrnl.Opcode, opversion jrnl.OpVersion, body []byte) error {
			cp := append([]byte(nil), body...)
			got = append(got, cp)
			return nil
		})
		if err != nil {
			t.Fatalf("ReplayRecord: %v", err)
		}
		if !ok {
			break
		}
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("record %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCheckpointCommitRotatesGeneration(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir, "j", Options{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fs.Close()

	if err := fs.MakeWritable(); err != nil {
		t.Fatalf("MakeWritable: %v", err)
	}

	w, gen, err := fs.CreateCheckpoint()
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if gen != 1 {
		t.Fatalf("gen = %d, want 1", gen)
	}
	if _, err := w.Write([]byte("snapshot-bytes")); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if err := fs.CloseCheckpoint(true); err != nil {
		t.Fatalf("CloseCheckpoint: %v", err)
	}
	if fs.Generation() != 1 {
		t.Fatalf("Generation() = %d, want 1", fs.Generation())
	}

	var snapshot []byte
	if err := fs.ReplayCheckpoint(func(r io.Reader, size int64) error {
		buf := make([]byte, size)
		_, err := io.ReadFull(r, buf)
		snapshot = buf
		return err
	}); err != nil {
		t.Fatalf("ReplayCheckpoint: %v", err)
	}
	if string(snapshot) != "snapshot-bytes" {
		t.Fatalf("snapshot = %q, want snapshot-bytes", snapshot)
	}
}

func TestCheckpointDiscardKeepsOldGeneration(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir, "j", Options{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fs.Close()

	if err := fs.MakeWritable(); err != nil {
		t.Fatalf("MakeWritable: %v", err)
	}
	if _, _, err := fs.CreateCheckpoint(); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if err := fs.CloseCheckpoint(false); err != nil {
		t.Fatalf("CloseCheckpoint(false): %v", err)
	}
	if fs.Generation() != 0 {
		t.Fatalf("Generation() = %d, want 0 after discarded checkpoint", fs.Generation())
	}
}

func TestNoSegDirLayout(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir, "j", Options{CreateIfMissing: true, NoSegDir: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fs.Close()

	if err := fs.MakeWritable(); err != nil {
		t.Fatalf("MakeWritable: %v", err)
	}
	framed, err := jrnl.EncodeRecord(nil, jrnl.Opcode(1), jrnl.OpVersion(1), []byte("x"))
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	if err := fs.AppendRecord(framed); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}

	if got := fs.segmentDir(); got != dir {
		t.Fatalf("segmentDir() = %q, want %q (no separate segment directory)", got, dir)
	}
}

func TestReopenWithDifferentSegDirLayoutHidesPostCheckpointRecords(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir, "j", Options{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := fs.MakeWritable(); err != nil {
		t.Fatalf("MakeWritable: %v", err)
	}

	pre, _ := jrnl.EncodeRecord(nil, jrnl.Opcode(1), jrnl.OpVersion(1), []byte("pre"))
	if err := fs.AppendRecord(pre); err != nil {
		t.Fatalf("AppendRecord (pre): %v", err)
	}

	w, _, err := fs.CreateCheckpoint()
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if _, err := w.Write([]byte("snapshot")); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if err := fs.CloseCheckpoint(true); err != nil {
		t.Fatalf("CloseCheckpoint: %v", err)
	}

	post, _ := jrnl.EncodeRecord(nil, jrnl.Opcode(2), jrnl.OpVersion(1), []byte("post"))
	if err := fs.AppendRecord(post); err != nil {
		t.Fatalf("AppendRecord (post): %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen under the opposite segment-directory layout: the
	// checkpoint file (always directly under dir) is still found, but
	// segmentDir() now resolves to dir itself instead of the separate
	// segments directory the post-checkpoint segment actually lives in.
	fs2, err := Open(dir, "j", Options{NoSegDir: true})
	if err != nil {
		t.Fatalf("reopen with NoSegDir: %v", err)
	}
	defer fs2.Close()

	var snapshot []byte
	if err := fs2.ReplayCheckpoint(func(r io.Reader, size int64) error {
		buf := make([]byte, size)
		_, err := io.ReadFull(r, buf)
		snapshot = buf
		return err
	}); err != nil {
		t.Fatalf("ReplayCheckpoint: %v", err)
	}
	if string(snapshot) != "snapshot" {
		t.Fatalf("snapshot = %q, want snapshot", snapshot)
	}

	ok, err := fs2.ReplayRecord(nil)
	if err != nil {
		t.Fatalf("ReplayRecord: %v", err)
	}
	if ok {
		t.Fatalf("ReplayRecord found a record under the mismatched NoSegDir layout, want none visible")
	}
}

func TestReplayFailsOnTornRecordInNonFinalSegment(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir, "j", Options{CreateIfMissing: true, MaxSegmentSize: segmentHeaderSize + 33})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := fs.MakeWritable(); err != nil {
		t.Fatalf("MakeWritable: %v", err)
	}

	rec1, _ := jrnl.EncodeRecord(nil, jrnl.Opcode(1), jrnl.OpVersion(1), []byte("x"))
	if err := fs.AppendRecord(rec1); err != nil {
		t.Fatalf("AppendRecord 1: %v", err)
	}
	rec2, _ := jrnl.EncodeRecord(nil, jrnl.Opcode(2), jrnl.OpVersion(1), []byte("y"))
	if err := fs.AppendRecord(rec2); err != nil {
		t.Fatalf("AppendRecord 2: %v", err)
	}
	if len(fs.segments) != 2 {
		t.Fatalf("segments = %d, want 2 (setup assumption for this test)", len(fs.segments))
	}
	firstSegPath := joinPath(fs.segmentDir(), fs.segments[0].name)
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Truncate the tail of the first (non-final) segment, simulating a
	// torn record that is not at the absolute end of the chain.
	info, err := os.Stat(firstSegPath)
	if err != nil {
		t.Fatalf("stat first segment: %v", err)
	}
	if err := os.Truncate(firstSegPath, info.Size()-5); err != nil {
		t.Fatalf("truncate first segment: %v", err)
	}

	fs2, err := Open(dir, "j", Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fs2.Close()

	if _, err := fs2.ReplayRecord(nil); err == nil {
		t.Fatalf("ReplayRecord: want a fatal error for a torn record in a non-final segment, got nil")
	}
}

func TestReopenAfterClosePreservesRecords(t *testing.T) {
	dir := t.TempDir()
	fs1, err := Open(dir, "j", Options{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := fs1.MakeWritable(); err != nil {
		t.Fatalf("MakeWritable: %v", err)
	}
	framed, _ := jrnl.EncodeRecord(nil, jrnl.Opcode(5), jrnl.OpVersion(1), []byte("durable"))
	if err := fs1.AppendRecord(framed); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	if err := fs1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fs2, err := Open(dir, "j", Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fs2.Close()

	var bodies [][]byte
	for {
		ok, err := fs2.ReplayRecord(func(_ jrnl.Opcode, _ jrnl.OpVersion, body []byte) error {
			bodies = append(bodies, append([]byte(nil), body...))
			return nil
		})
		if err != nil {
			t.Fatalf("ReplayRecord: %v", err)
		}
		if !ok {
			break
		}
	}
	if len(bodies) != 1 || string(bodies[0]) != "durable" {
		t.Fatalf("bodies = %q, want [durable]", bodies)
	}
}
