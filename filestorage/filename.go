package filestorage

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/coredbx/jrnl"
)

// Kind identifies which of the two file types a file on disk is,
// without requiring the caller to know its name.
type Kind int

const (
	KindUnknown Kind = iota
	KindCheckpoint
	KindSegment
)

func (k Kind) String() string {
	switch k {
	case KindCheckpoint:
		return "checkpoint"
	case KindSegment:
		return "segment"
	default:
		return "unknown"
	}
}

const (
	checkpointSuffix     = ".ckpt"
	checkpointTempSuffix = ".ckpt.tmp"
	segmentSuffix        = ".seg"
	segDirSuffix         = ".segments" // symlink name, in the journal directory
	segDirActualSuffix   = "-segments" // actual directory name, in the journal directory
)

func validateBaseName(base string) error {
	if base == "" {
		return fmt.Errorf("filestorage: empty journal base name")
	}
	if len(base) > jrnl.MaxJournalName {
		return fmt.Errorf("filestorage: journal base name %q exceeds MaxJournalName (%d)", base, jrnl.MaxJournalName)
	}
	if strings.ContainsAny(base, "/\\") {
		return fmt.Errorf("filestorage: journal base name %q must not contain path separators", base)
	}
	return nil
}

func checkpointFileName(base string) string     { return base + checkpointSuffix }
func checkpointTempFileName(base string) string { return base + checkpointTempSuffix }
func segDirSymlinkName(base string) string      { return base + segDirSuffix }
func segDirActualName(base string) string       { return base + segDirActualSuffix }

// segmentFileName encodes the generation and sequence number in the
// name itself so a directory listing can be ordered without opening
// any file.
func segmentFileName(base string, gen jrnl.Generation, seq uint32) string {
	return fmt.Sprintf("%s.%020d.%010d%s", base, uint64(gen), seq, segmentSuffix)
}

func parseSegmentFileName(base, name string) (gen jrnl.Generation, seq uint32, ok bool) {
	rest, ok := strings.CutPrefix(name, base+".")
	if !ok {
		return 0, 0, false
	}
	rest, ok = strings.CutSuffix(rest, segmentSuffix)
	if !ok {
		return 0, 0, false
	}
	genStr, seqStr, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, 0, false
	}
	genVal, err := strconv.ParseUint(genStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seqVal, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return jrnl.Generation(genVal), uint32(seqVal), true
}

// FileKind peeks the leading magic of f without disturbing any read
// offset the caller may be relying on.
func FileKind(f io.ReaderAt) (Kind, error) {
	var buf [8]byte
	n, err := f.ReadAt(buf[:], 0)
	if err != nil && err != io.EOF {
		return KindUnknown, err
	}
	if n < 8 {
		return KindUnknown, nil
	}
	var m jrnl.Magic
	copy(m[:], buf[:])
	switch m {
	case fileMagicCheckpoint:
		return KindCheckpoint, nil
	case fileMagicSegment:
		return KindSegment, nil
	default:
		return KindUnknown, nil
	}
}
