package filestorage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/coredbx/jrnl"
)

var fileMagicCheckpoint = jrnl.Magic{'J', 'R', 'N', 'L', 'C', 'K', 'P', 'T'}

// checkpointHeaderSize matches MaxHeaderSize literally: the header is
// padded out to the hard cap so a future field can be added without
// relocating the snapshot payload of every already-written checkpoint
// file.
const checkpointHeaderSize = jrnl.MaxHeaderSize

type checkpointHeader struct {
	Magic        jrnl.Magic
	UserMagic    jrnl.Magic
	Generation   uint64
	SnapshotSize uint64
}

const checkpointHeaderFieldsSize = 8 + 8 + 8 + 8

func encodeCheckpointHeader(h checkpointHeader) []byte {
	buf := make([]byte, checkpointHeaderSize)
	copy(buf[0:8], h.Magic[:])
	copy(buf[8:16], h.UserMagic[:])
	binary.LittleEndian.PutUint64(buf[16:24], h.Generation)
	binary.LittleEndian.PutUint64(buf[24:32], h.SnapshotSize)
	// buf[32:checkpointHeaderSize-8] stays zeroed reserved space.
	var hash xxhash.Digest
	hash.Reset()
	hash.Write(buf[:checkpointHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[checkpointHeaderSize-8:], hash.Sum64())
	return buf
}

func decodeCheckpointHeader(buf []byte) (checkpointHeader, error) {
	if len(buf) != checkpointHeaderSize {
		return checkpointHeader{}, fmt.Errorf("filestorage: short checkpoint header")
	}
	var hash xxhash.Digest
	hash.Reset()
	hash.Write(buf[:checkpointHeaderSize-8])
	want := binary.LittleEndian.Uint64(buf[checkpointHeaderSize-8:])
	if hash.Sum64() != want {
		return checkpointHeader{}, fmt.Errorf("filestorage: checkpoint header checksum mismatch")
	}

	var h checkpointHeader
	copy(h.Magic[:], buf[0:8])
	copy(h.UserMagic[:], buf[8:16])
	if h.Magic != fileMagicCheckpoint {
		return checkpointHeader{}, fmt.Errorf("filestorage: bad checkpoint magic")
	}
	h.Generation = binary.LittleEndian.Uint64(buf[16:24])
	h.SnapshotSize = binary.LittleEndian.Uint64(buf[24:32])
	return h, nil
}

// writeCheckpointFile writes a complete checkpoint file (header,
// snapshot bytes, trailing checksum over header+snapshot) to a temp
// path, fsyncs it, and returns the temp path for the caller to
// atomically rename into place once it decides to commit.
func writeCheckpointFile(dir, tempName string, gen jrnl.Generation, userMagic jrnl.Magic, snapshot []byte) (path string, err error) {
	path = joinPath(dir, tempName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return "", err
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(path)
		}
	}()

	hdr := encodeCheckpointHeader(checkpointHeader{
		Magic:        fileMagicCheckpoint,
		UserMagic:    userMagic,
		Generation:   uint64(gen),
		SnapshotSize: uint64(len(snapshot)),
	})
	if _, err := f.Write(hdr); err != nil {
		return "", err
	}
	if _, err := f.Write(snapshot); err != nil {
		return "", err
	}

	var hash xxhash.Digest
	hash.Reset()
	hash.Write(hdr)
	hash.Write(snapshot)
	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], hash.Sum64())
	if _, err := f.Write(trailer[:]); err != nil {
		return "", err
	}

	if err := f.Sync(); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	ok = true
	return path, nil
}

// checkpointStreamWriter accumulates the snapshot bytes a Journallable
// streams via Snapshot.Save, since the final checksum must cover the
// whole payload and the header (written first) needs SnapshotSize
// before any byte of the payload is on disk.
type checkpointStreamWriter struct {
	buf []byte
}

func (w *checkpointStreamWriter) Write(p []byte) (int, error) {
	if len(w.buf)+len(p) > jrnl.MaxOpSize*16 {
		return 0, fmt.Errorf("filestorage: checkpoint snapshot too large")
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// readCheckpointFile validates path (committed checkpoint file) and
// invokes handler with a reader bounded to exactly the snapshot bytes.
func readCheckpointFile(path string, userMagic jrnl.Magic, checkUserMagic bool, handler jrnl.CheckpointHandler) (jrnl.Generation, error) {
	f, err := os.Open(path)
	if err != nil {
		return jrnl.NoGeneration, err
	}
	defer f.Close()

	hdrBuf := make([]byte, checkpointHeaderSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		return jrnl.NoGeneration, corruptf("checkpoint header: %w", err)
	}
	h, err := decodeCheckpointHeader(hdrBuf)
	if err != nil {
		return jrnl.NoGeneration, corruptf("%w", err)
	}
	if checkUserMagic && h.UserMagic != userMagic {
		return jrnl.NoGeneration, jrnl.ErrIncompatibleUserMagic
	}

	snapshot := make([]byte, h.SnapshotSize)
	if _, err := io.ReadFull(f, snapshot); err != nil {
		return jrnl.NoGeneration, corruptf("checkpoint snapshot truncated: %w", err)
	}
	var trailer [8]byte
	if _, err := io.ReadFull(f, trailer[:]); err != nil {
		return jrnl.NoGeneration, corruptf("checkpoint trailer truncated: %w", err)
	}

	var hash xxhash.Digest
	hash.Reset()
	hash.Write(hdrBuf)
	hash.Write(snapshot)
	if hash.Sum64() != binary.LittleEndian.Uint64(trailer[:]) {
		return jrnl.NoGeneration, corruptf("checkpoint checksum mismatch")
	}

	if err := handler(bytesReader(snapshot), int64(len(snapshot))); err != nil {
		return jrnl.NoGeneration, err
	}
	return jrnl.Generation(h.Generation), nil
}
