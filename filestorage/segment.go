package filestorage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/coredbx/jrnl"
)

var fileMagicSegment = jrnl.Magic{'J', 'R', 'N', 'L', 'S', 'E', 'G', ' '}

// segmentHeaderSize matches checkpointHeaderSize's rationale: padded to
// MaxHeaderSize so the record stream always starts at a fixed, known
// offset regardless of future header growth.
const segmentHeaderSize = jrnl.MaxHeaderSize

type segmentHeader struct {
	Magic      jrnl.Magic
	UserMagic  jrnl.Magic
	Generation uint64
	Seq        uint32
}

func encodeSegmentHeader(h segmentHeader) []byte {
	buf := make([]byte, segmentHeaderSize)
	copy(buf[0:8], h.Magic[:])
	copy(buf[8:16], h.UserMagic[:])
	binary.LittleEndian.PutUint64(buf[16:24], h.Generation)
	binary.LittleEndian.PutUint32(buf[24:28], h.Seq)
	var hash xxhash.Digest
	hash.Reset()
	hash.Write(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], hash.Sum64())
	return buf
}

func decodeSegmentHeader(buf []byte) (segmentHeader, error) {
	if len(buf) != segmentHeaderSize {
		return segmentHeader{}, fmt.Errorf("filestorage: short segment header")
	}
	var hash xxhash.Digest
	hash.Reset()
	hash.Write(buf[:segmentHeaderSize-8])
	want := binary.LittleEndian.Uint64(buf[segmentHeaderSize-8:])
	if hash.Sum64() != want {
		return segmentHeader{}, fmt.Errorf("filestorage: segment header checksum mismatch")
	}
	var h segmentHeader
	copy(h.Magic[:], buf[0:8])
	copy(h.UserMagic[:], buf[8:16])
	if h.Magic != fileMagicSegment {
		return segmentHeader{}, fmt.Errorf("filestorage: bad segment magic")
	}
	h.Generation = binary.LittleEndian.Uint64(buf[16:24])
	h.Seq = binary.LittleEndian.Uint32(buf[24:28])
	return h, nil
}

// segmentWriter appends framed operation records to one segment file.
// Each record is individually self-checksummed (jrnl.EncodeRecord), so
// every successful append durably extends the journal on its own — the
// per-record checksum is exactly what lets a reader treat a torn
// trailing record as end-of-journal rather than corruption.
type segmentWriter struct {
	f    *os.File
	seg  jrnl.Generation
	seq  uint32
	size int64
}

func createSegment(dir string, gen jrnl.Generation, seq uint32, userMagic jrnl.Magic, name string) (*segmentWriter, error) {
	path := joinPath(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(path)
		}
	}()

	hdr := encodeSegmentHeader(segmentHeader{
		Magic:      fileMagicSegment,
		UserMagic:  userMagic,
		Generation: uint64(gen),
		Seq:        seq,
	})
	if _, err := f.Write(hdr); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	ok = true
	return &segmentWriter{f: f, seg: gen, seq: seq, size: int64(len(hdr))}, nil
}

// openSegmentForAppend opens an existing segment file, verifies its
// header, and positions for appending after the last record whose
// trailing checksum is intact; any bytes beyond that point (a torn
// write) are truncated away.
func openSegmentForAppend(dir string, gen jrnl.Generation, seq uint32, userMagic jrnl.Magic, checkUserMagic bool, name string) (*segmentWriter, error) {
	path := joinPath(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	validSize, _, _, err := scanSegment(f, gen, seq, userMagic, checkUserMagic, nil)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(validSize); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}

	ok = true
	return &segmentWriter{f: f, seg: gen, seq: seq, size: validSize}, nil
}

func (sw *segmentWriter) append(framed []byte) error {
	if _, err := sw.f.Write(framed); err != nil {
		return err
	}
	if err := sw.f.Sync(); err != nil {
		return err
	}
	sw.size += int64(len(framed))
	return nil
}

func (sw *segmentWriter) close() error {
	if sw.f == nil {
		return nil
	}
	err := sw.f.Close()
	sw.f = nil
	return err
}

// scanSegment reads seg's header and every complete, checksummed
// record in turn, calling onRecord for each (if non-nil). It returns
// the byte offset just past the last complete record — i.e. the
// offset recovery/append should trust — even when the file ends with
// a torn trailing record, which is reported via truncated=true rather
// than as an error.
func scanSegment(f *os.File, wantGen jrnl.Generation, wantSeq uint32, userMagic jrnl.Magic, checkUserMagic bool, onRecord jrnl.RecordHandler) (validSize int64, truncated bool, h segmentHeader, err error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, false, segmentHeader{}, err
	}
	hdrBuf := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		return 0, false, segmentHeader{}, corruptf("segment header: %w", err)
	}
	h, err = decodeSegmentHeader(hdrBuf)
	if err != nil {
		return 0, false, segmentHeader{}, corruptf("%w", err)
	}
	if jrnl.Generation(h.Generation) != wantGen || h.Seq != wantSeq {
		return 0, false, segmentHeader{}, corruptf("segment identity mismatch")
	}
	if checkUserMagic && h.UserMagic != userMagic {
		return 0, false, h, jrnl.ErrIncompatibleUserMagic
	}

	rest, err := io.ReadAll(f)
	if err != nil {
		return 0, false, h, err
	}

	offset := int64(segmentHeaderSize)
	buf := rest
	for len(buf) > 0 {
		rec, n, decErr := jrnl.DecodeRecord(buf)
		if decErr == io.ErrUnexpectedEOF {
			// Torn trailing record: tolerated only at the absolute end
			// of the file.
			return offset, true, h, nil
		}
		if decErr != nil {
			return 0, false, h, decErr
		}
		if onRecord != nil {
			if err := onRecord(rec.Opcode, rec.OpVersion, rec.Body); err != nil {
				return 0, false, h, err
			}
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return offset, false, h, nil
}
