package filestorage

import (
	"io"
	"os"

	"github.com/coredbx/jrnl"
)

// replayCursor walks a FileStorage's segment chain one record at a
// time, so jrnl.Port.Next (which calls ReplayRecord once per record)
// can drive recovery without FileStorage holding the whole chain's
// records in memory at once.
type replayCursor struct {
	fs   *FileStorage
	segs []segmentRef
	idx  int

	loaded bool
	buf    []byte
}

func newReplayCursor(fs *FileStorage) *replayCursor {
	segs := make([]segmentRef, len(fs.segments))
	copy(segs, fs.segments)
	return &replayCursor{fs: fs, segs: segs}
}

// next decodes and delivers the next record in the chain to handler,
// returning ok=false once every segment is exhausted (including a torn
// trailing record in the last segment of the chain, which ends replay
// without error). A torn record in any earlier segment is fatal: only
// the very end of the chain may be truncated.
func (rc *replayCursor) next(handler jrnl.RecordHandler) (bool, error) {
	for {
		if len(rc.buf) == 0 {
			if err := rc.advance(); err != nil {
				return false, err
			}
			if !rc.loaded {
				return false, nil
			}
		}
		rec, n, err := jrnl.DecodeRecord(rc.buf)
		if err == io.ErrUnexpectedEOF {
			if rc.idx < len(rc.segs) {
				return false, corruptf("torn record in non-final segment: %w", err)
			}
			rc.closeCurrent()
			rc.buf = nil
			continue
		}
		if err != nil {
			return false, err
		}
		rc.buf = rc.buf[n:]
		if handler != nil {
			if err := handler(rec.Opcode, rec.OpVersion, rec.Body); err != nil {
				return false, err
			}
		}
		return true, nil
	}
}

// advance opens the next segment in the chain (if any) and reads its
// full record region into memory, skipping the fixed-size header.
func (rc *replayCursor) advance() error {
	rc.closeCurrent()
	if rc.idx >= len(rc.segs) {
		return nil
	}
	ref := rc.segs[rc.idx]
	rc.idx++

	path := joinPath(rc.fs.segmentDir(), ref.name)
	f, err := os.Open(path)
	if err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "replay_record", Cause: err}
	}
	hdrBuf := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		f.Close()
		return corruptf("segment header: %w", err)
	}
	if _, err := decodeSegmentHeader(hdrBuf); err != nil {
		f.Close()
		return corruptf("%w", err)
	}
	rest, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "replay_record", Cause: err}
	}
	rc.buf = rest
	if len(rc.buf) == 0 {
		return rc.advance()
	}
	rc.loaded = true
	return nil
}

func (rc *replayCursor) closeCurrent() {
	rc.loaded = false
}
