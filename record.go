package jrnl

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// recordMagic leads every operation record on disk, distinguishing it
// from a checkpoint or segment header.
var recordMagic = Magic{'J', 'R', 'N', 'L', 'R', 'E', 'C', '\x01'}

// recordHeader is the fixed-size, self-describing header of a single
// operation record. It is far smaller than MaxHeaderSize; the limit
// exists so that future, richer headers (e.g. per-record trace ids)
// stay within the same hard cap without changing the wire contract of
// readers that only understand the base fields.
type recordHeader struct {
	Opcode        int32
	OpVersion     uint32
	BodySize      uint32
	FormatVersion uint8
	_             [3]byte // reserved
}

const recordHeaderSize = 16

const recordFormatVersion = 1

const recordTrailerSize = 8 // xxhash64 checksum

// recordOverhead is the total non-body bytes a record costs on disk.
const recordOverhead = 8 /* magic */ + recordHeaderSize + recordTrailerSize

func init() {
	if recordHeaderSize > MaxHeaderSize {
		panic("jrnl: recordHeaderSize exceeds MaxHeaderSize")
	}
}

// EncodeRecord frames a single operation record as
// magic || header || body || checksum and appends it to dst, returning
// the extended slice. It fails with a KindBadArg error if body exceeds
// MaxOpSize.
func EncodeRecord(dst []byte, opcode Opcode, opversion OpVersion, body []byte) ([]byte, error) {
	if len(body) > MaxOpSize {
		return dst, ErrTooLarge
	}

	start := len(dst)
	dst = append(dst, recordMagic[:]...)

	var hbuf [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hbuf[0:4], uint32(opcode))
	binary.LittleEndian.PutUint32(hbuf[4:8], uint32(opversion))
	binary.LittleEndian.PutUint32(hbuf[8:12], uint32(len(body)))
	hbuf[12] = recordFormatVersion
	dst = append(dst, hbuf[:]...)

	dst = append(dst, body...)

	var hash xxhash.Digest
	hash.Reset()
	hash.Write(dst[start+8:]) // header + body, end-of-magic through end-of-body
	var cbuf [recordTrailerSize]byte
	binary.LittleEndian.PutUint64(cbuf[:], hash.Sum64())
	dst = append(dst, cbuf[:]...)

	return dst, nil
}

// DecodedRecord is the result of decoding one record from a byte
// stream, with Body sliced from the caller-provided buffer (no copy).
type DecodedRecord struct {
	Opcode    Opcode
	OpVersion OpVersion
	Body      []byte
}

// DecodeRecord decodes a single record from the front of buf, returning
// the number of bytes consumed. It returns an io.ErrUnexpectedEOF (not
// wrapped in *Error) when buf is too short to contain a complete
// record — callers at the end of a segment use this to distinguish a
// torn trailing record (tolerated) from genuine corruption.
func DecodeRecord(buf []byte) (DecodedRecord, int, error) {
	if len(buf) < 8 {
		return DecodedRecord{}, 0, io.ErrUnexpectedEOF
	}
	var m Magic
	copy(m[:], buf[:8])
	if m != recordMagic {
		return DecodedRecord{}, 0, newError(KindCorrupted, "decode_record", fmt.Errorf("bad record magic"))
	}
	if len(buf) < 8+recordHeaderSize {
		return DecodedRecord{}, 0, io.ErrUnexpectedEOF
	}
	hbuf := buf[8 : 8+recordHeaderSize]
	opcode := Opcode(binary.LittleEndian.Uint32(hbuf[0:4]))
	opversion := OpVersion(binary.LittleEndian.Uint32(hbuf[4:8]))
	bodySize := binary.LittleEndian.Uint32(hbuf[8:12])
	formatVersion := hbuf[12]
	if formatVersion == 0 || formatVersion > recordFormatVersion {
		return DecodedRecord{}, 0, newError(KindCorrupted, "decode_record", fmt.Errorf("unsupported record format version %d", formatVersion))
	}
	if bodySize > MaxOpSize {
		return DecodedRecord{}, 0, newError(KindCorrupted, "decode_record", fmt.Errorf("body size %d exceeds MaxOpSize", bodySize))
	}

	total := 8 + recordHeaderSize + int(bodySize) + recordTrailerSize
	if len(buf) < total {
		return DecodedRecord{}, 0, io.ErrUnexpectedEOF
	}

	body := buf[8+recordHeaderSize : 8+recordHeaderSize+int(bodySize)]
	checksumOffset := 8 + recordHeaderSize + int(bodySize)
	wantChecksum := binary.LittleEndian.Uint64(buf[checksumOffset : checksumOffset+recordTrailerSize])

	var hash xxhash.Digest
	hash.Reset()
	hash.Write(buf[8:checksumOffset])
	if hash.Sum64() != wantChecksum {
		return DecodedRecord{}, 0, newError(KindCorrupted, "decode_record", fmt.Errorf("checksum mismatch"))
	}

	return DecodedRecord{
		Opcode:    opcode,
		OpVersion: opversion,
		Body:      body,
	}, total, nil
}
