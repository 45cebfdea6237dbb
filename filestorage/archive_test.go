package filestorage

import (
	"os"
	"testing"

	"github.com/andreyvit/sealer"
	"github.com/coredbx/jrnl"
)

var testSealKey = &sealer.Key{
	ID:  [32]byte{'T'},
	Key: [32]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32},
}

func TestArchiveSealsSupersededSegmentAndRoundTrips(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir, "j", Options{
		CreateIfMissing: true,
		Archive:         ArchiveOptions{Enabled: true, Key: testSealKey},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fs.Close()

	if err := fs.MakeWritable(); err != nil {
		t.Fatalf("MakeWritable: %v", err)
	}
	framed, _ := jrnl.EncodeRecord(nil, jrnl.Opcode(3), jrnl.OpVersion(1), []byte("archived-body"))
	if err := fs.AppendRecord(framed); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	supersededName := fs.segments[len(fs.segments)-1].name

	w, _, err := fs.CreateCheckpoint()
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if _, err := w.Write([]byte("snap")); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if err := fs.CloseCheckpoint(true); err != nil {
		t.Fatalf("CloseCheckpoint: %v", err)
	}

	segDir := fs.segmentDir()
	if _, err := os.Stat(joinPath(segDir, supersededName)); !os.IsNotExist(err) {
		t.Fatalf("superseded segment %s still present in segment dir after archiving", supersededName)
	}

	sealedName := supersededName + ".sealed"
	archivePath := joinPath(fs.archiveDir(), sealedName)
	if _, err := os.Stat(archivePath); err != nil {
		t.Fatalf("sealed segment not found at %s: %v", archivePath, err)
	}

	var got [][]byte
	err = ReadArchivedSegment(dir, "j", testSealKey, sealedName, func(_ jrnl.Opcode, _ jrnl.OpVersion, body []byte) error {
		got = append(got, append([]byte(nil), body...))
		return nil
	})
	if err != nil {
		t.Fatalf("ReadArchivedSegment: %v", err)
	}
	if len(got) != 1 || string(got[0]) != "archived-body" {
		t.Fatalf("archived records = %q, want [archived-body]", got)
	}
}
