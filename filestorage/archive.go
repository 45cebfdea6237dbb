package filestorage

import (
	"fmt"
	"io"
	"os"

	"github.com/andreyvit/sealer"
	"github.com/coredbx/jrnl"
)

// ArchiveOptions turns on sealing of segments superseded by a
// checkpoint instead of deleting them outright. This is not
// compaction: a sealed segment file is kept in full, just encrypted
// and compressed, for audit or cold storage.
type ArchiveOptions struct {
	Enabled bool
	Key     *sealer.Key
	Opts    sealer.Options
}

const archiveDirSuffix = "-archive"

var archiveMagic = jrnl.Magic{'J', 'R', 'N', 'L', 'A', 'R', 'C', '1'}

func (fs *FileStorage) archiveDir() string {
	return archiveDirFor(fs.dir, fs.base)
}

func archiveDirFor(dir, base string) string {
	return joinPath(dir, base+archiveDirSuffix)
}

// archiveSuperseded disposes of every segment of a generation that a
// freshly committed checkpoint has made unnecessary for recovery: with
// archiving enabled each one is sealed and the plaintext original then
// removed; otherwise the segments are simply removed. A failure here
// does not roll back the checkpoint that already committed: recovery
// no longer depends on these files either way.
func (fs *FileStorage) archiveSuperseded(segs []segmentRef) error {
	if len(segs) == 0 {
		return nil
	}
	segDir := fs.segmentDir()
	if !fs.archive.Enabled {
		for _, ref := range segs {
			if err := os.Remove(joinPath(segDir, ref.name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("filestorage: remove superseded %s: %w", ref.name, err)
			}
		}
		return nil
	}
	if err := os.MkdirAll(fs.archiveDir(), 0o777); err != nil {
		return err
	}
	for _, ref := range segs {
		src := joinPath(segDir, ref.name)
		dst := joinPath(fs.archiveDir(), ref.name+".sealed")
		if err := sealSegmentFile(src, dst, fs.archive.Key, fs.archive.Opts); err != nil {
			return fmt.Errorf("filestorage: archive %s: %w", ref.name, err)
		}
		if err := os.Remove(src); err != nil {
			return fmt.Errorf("filestorage: remove archived %s: %w", ref.name, err)
		}
	}
	return nil
}

func sealSegmentFile(src, dst string, key *sealer.Key, opts sealer.Options) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		out.Close()
		if !ok {
			os.Remove(dst)
		}
	}()

	w, err := sealer.Seal(out, key, archiveMagic[:], opts)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	ok = true
	return nil
}

// ReadArchivedSegment unseals the named file under dir's archive
// directory for base and delivers every record it contains to handler,
// the same way a live segment's records are delivered during replay.
// It exists for operators inspecting a generation whose segments were
// sealed and removed by archiveSuperseded (cmd/jrnldump's --archive
// flag).
func ReadArchivedSegment(dir, base string, key *sealer.Key, name string, handler jrnl.RecordHandler) error {
	path := joinPath(archiveDirFor(dir, base), name)
	rc, err := unsealSegmentFile(key, path)
	if err != nil {
		return err
	}
	defer rc.Close()

	hdrBuf := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(rc, hdrBuf); err != nil {
		return corruptf("segment header: %w", err)
	}
	if _, err := decodeSegmentHeader(hdrBuf); err != nil {
		return corruptf("%w", err)
	}
	rest, err := io.ReadAll(rc)
	if err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "read_archived_segment", Cause: err}
	}
	for len(rest) > 0 {
		rec, n, err := jrnl.DecodeRecord(rest)
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return err
		}
		rest = rest[n:]
		if handler != nil {
			if err := handler(rec.Opcode, rec.OpVersion, rec.Body); err != nil {
				return err
			}
		}
	}
	return nil
}

// unsealSegmentFile reverses sealSegmentFile, returning a reader over
// the plaintext segment bytes (header included).
func unsealSegmentFile(key *sealer.Key, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var hbuf [len(archiveMagic)]byte
	opn, err := sealer.Prepare(f, hbuf[:])
	if err != nil {
		f.Close()
		return nil, err
	}
	if opn.KeyID != key.ID {
		f.Close()
		return nil, fmt.Errorf("filestorage: archive %s sealed with a different key", path)
	}
	r, err := opn.Open(key)
	if err != nil {
		f.Close()
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{r, f}, nil
}
