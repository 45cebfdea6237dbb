// Package filestorage implements jrnl.Storage on top of a plain
// directory: one checkpoint file plus a chain of append-only segment
// files, optionally split into a separate segment directory.
package filestorage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/coredbx/jrnl"
)

// StorageState is an alias for jrnl.StorageState, so filestorage can
// guard its life cycle with jrnl.StateGuard under a local name.
type StorageState = jrnl.StorageState

const (
	stInitial  = jrnl.StorageInitial
	stCreated  = jrnl.StorageCreated
	stReadable = jrnl.StorageReadable
	stWritable = jrnl.StorageWritable
	stReadOnly = jrnl.StorageReadOnly
	stClosed   = jrnl.StorageClosed
)

// Default cap on a single segment file before a fresh one is rotated
// in. Chosen to keep any one file's recovery scan bounded; a segment
// rotates on its own size threshold rather than growing forever.
const DefaultMaxSegmentSize = 64 * 1024 * 1024

// Options configures Open.
type Options struct {
	CreateIfMissing bool
	ReadOnly        bool
	NoSegDir        bool
	UserMagic       jrnl.Magic
	CheckUserMagic  bool
	MaxSegmentSize  int64
	Archive         ArchiveOptions
	Logger          *slog.Logger // defaults to slog.Default()
}

type segmentRef struct {
	gen  jrnl.Generation
	seq  uint32
	name string
}

// FileStorage is a jrnl.Storage backed by a checkpoint file and a
// chain of segment files under one base name in one directory.
//
// Its locking is a single plain mutex, not a reader/writer lock:
// MakeWritable, AppendRecord, CreateCheckpoint, CloseCheckpoint and
// Close hold it exclusively, ReplayCheckpoint holds it only while
// recording the generation it read, and ReplayRecord does not take it.
type FileStorage struct {
	dir      string
	base     string
	opts     Options
	sm       *jrnl.StateGuard[StorageState]
	mu       sync.Mutex // serializes writer-side operations: AppendRecord, checkpoint lifecycle
	gen      jrnl.Generation
	segments []segmentRef // chain for the current generation, ordered by seq
	writer   *segmentWriter
	nextSeq  uint32
	archive  ArchiveOptions

	ckptNewGen jrnl.Generation
	ckptStream *checkpointStreamWriter

	replayCursor *replayCursor
}

// Open opens or creates a journal directory named base under dir.
func Open(dir, base string, opts Options) (*FileStorage, error) {
	if err := validateBaseName(base); err != nil {
		return nil, err
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fs := &FileStorage{
		dir:     dir,
		base:    base,
		opts:    opts,
		sm:      jrnl.NewStateGuard(stInitial),
		gen:     jrnl.NoGeneration,
		archive: opts.Archive,
	}

	ckptPath := joinPath(dir, checkpointFileName(base))
	_, err := os.Stat(ckptPath)
	switch {
	case err == nil:
		fs.sm.Set(stCreated)
	case os.IsNotExist(err):
		if !opts.CreateIfMissing {
			return nil, &jrnl.Error{Kind: jrnl.KindIO, Op: "open", Cause: err}
		}
		if err := fs.bootstrap(); err != nil {
			return nil, err
		}
		fs.sm.Set(stCreated)
	default:
		return nil, &jrnl.Error{Kind: jrnl.KindIO, Op: "open", Cause: err}
	}

	if err := fs.loadSegmentChain(); err != nil {
		return nil, err
	}
	fs.sm.Set(stReadable)
	return fs, nil
}

// bootstrap creates an empty generation-0 checkpoint (no snapshot
// bytes) and an empty first segment, so a brand new journal has
// something coherent to replay.
func (fs *FileStorage) bootstrap() error {
	if err := fs.ensureSegDir(); err != nil {
		return err
	}
	tmp := checkpointTempFileName(fs.base)
	path, err := writeCheckpointFile(fs.dir, tmp, 0, fs.opts.UserMagic, nil)
	if err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "bootstrap", Cause: err}
	}
	final := joinPath(fs.dir, checkpointFileName(fs.base))
	if err := os.Rename(path, final); err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "bootstrap", Cause: err}
	}

	segDir := fs.segmentDir()
	name := segmentFileName(fs.base, 0, 0)
	sw, err := createSegment(segDir, 0, 0, fs.opts.UserMagic, name)
	if err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "bootstrap", Cause: err}
	}
	return sw.close()
}

// loadSegmentChain reads the committed checkpoint's generation and
// lists every segment file matching that generation, ordered by seq.
// Segments belonging to a superseded generation are ignored: the
// highest committed generation always wins.
func (fs *FileStorage) loadSegmentChain() error {
	ckptPath := joinPath(fs.dir, checkpointFileName(fs.base))
	hdrBuf := make([]byte, checkpointHeaderSize)
	f, err := os.Open(ckptPath)
	if err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "load", Cause: err}
	}
	_, err = io.ReadFull(f, hdrBuf)
	f.Close()
	if err != nil {
		return corruptf("checkpoint header: %w", err)
	}
	h, err := decodeCheckpointHeader(hdrBuf)
	if err != nil {
		return corruptf("%w", err)
	}
	fs.gen = jrnl.Generation(h.Generation)

	segDir := fs.segmentDir()
	entries, err := os.ReadDir(segDir)
	if err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "load", Cause: err}
	}
	var refs []segmentRef
	maxSeq := uint32(0)
	found := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		gen, seq, ok := parseSegmentFileName(fs.base, e.Name())
		if !ok || gen != fs.gen {
			continue
		}
		refs = append(refs, segmentRef{gen: gen, seq: seq, name: e.Name()})
		if !found || seq > maxSeq {
			maxSeq = seq
			found = true
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].seq < refs[j].seq })
	fs.segments = refs
	if found {
		fs.nextSeq = maxSeq + 1
	} else {
		fs.nextSeq = 0
	}
	return nil
}

func (fs *FileStorage) State() StorageState { return fs.sm.Get() }

func (fs *FileStorage) Generation() jrnl.Generation {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.gen
}

// ReplayCheckpoint invokes handler with the committed checkpoint's
// snapshot bytes.
func (fs *FileStorage) ReplayCheckpoint(handler jrnl.CheckpointHandler) error {
	if fs.sm.Get() == stClosed {
		return jrnl.ErrClosed
	}
	path := joinPath(fs.dir, checkpointFileName(fs.base))
	gen, err := readCheckpointFile(path, fs.opts.UserMagic, fs.opts.CheckUserMagic, handler)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	fs.gen = gen
	fs.mu.Unlock()
	return nil
}

// ReplayRecord replays exactly one not-yet-seen record per call,
// following the segment chain in order and tolerating a torn trailing
// record in the last segment as end-of-journal.
//
// FileStorage keeps replay state in a cursor rather than a goroutine,
// so this method is not safe for concurrent use with itself. jrnl.Port
// calls it from Next and Skip without taking its own mutex; those are
// only called during recovery, one record at a time.
func (fs *FileStorage) ReplayRecord(handler jrnl.RecordHandler) (bool, error) {
	if fs.replayCursor == nil {
		fs.replayCursor = newReplayCursor(fs)
	}
	return fs.replayCursor.next(handler)
}

func (fs *FileStorage) MakeWritable() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.opts.ReadOnly {
		return newErrState("make_writable", "storage opened read-only")
	}
	cur := fs.sm.Get()
	if cur != stReadable && cur != stCreated {
		return newErrState("make_writable", "storage not in a readable state")
	}

	segDir := fs.segmentDir()
	var sw *segmentWriter
	var err error
	if len(fs.segments) == 0 {
		name := segmentFileName(fs.base, fs.gen, 0)
		sw, err = createSegment(segDir, fs.gen, 0, fs.opts.UserMagic, name)
		fs.nextSeq = 1
	} else {
		last := fs.segments[len(fs.segments)-1]
		sw, err = openSegmentForAppend(segDir, last.gen, last.seq, fs.opts.UserMagic, fs.opts.CheckUserMagic, last.name)
	}
	if err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "make_writable", Cause: err}
	}
	fs.writer = sw
	fs.sm.Set(stWritable)
	return nil
}

// AppendRecord writes parts (already framed by jrnl.EncodeRecord,
// concatenated) to the active segment, rotating to a new segment first
// if that would exceed MaxSegmentSize.
func (fs *FileStorage) AppendRecord(parts ...[]byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.sm.Get() != stWritable {
		return newErrState("append_record", "storage is not writable")
	}
	if fs.ckptStream != nil {
		return newErrState("append_record", "current segment is sealed by a checkpoint in progress")
	}
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if fs.writer.size+int64(total) > fs.opts.MaxSegmentSize {
		if err := fs.rotateSegmentLocked(); err != nil {
			return err
		}
	}
	for _, p := range parts {
		if err := fs.writer.append(p); err != nil {
			return &jrnl.Error{Kind: jrnl.KindIO, Op: "append_record", Cause: err}
		}
	}
	return nil
}

func (fs *FileStorage) rotateSegmentLocked() error {
	if err := fs.writer.close(); err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "rotate_segment", Cause: err}
	}
	seq := fs.nextSeq
	fs.nextSeq++
	name := segmentFileName(fs.base, fs.gen, seq)
	sw, err := createSegment(fs.segmentDir(), fs.gen, seq, fs.opts.UserMagic, name)
	if err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "rotate_segment", Cause: err}
	}
	fs.segments = append(fs.segments, segmentRef{gen: fs.gen, seq: seq, name: name})
	fs.writer = sw
	fs.opts.Logger.Debug("rotated segment", "journal", fs.base, "generation", int64(fs.gen), "seq", seq)
	return nil
}

// CreateCheckpoint begins a new checkpoint at the next generation and
// returns a writer the Journallable streams its snapshot into. Nothing
// on disk is visible as committed until CloseCheckpoint(true). The
// current segment is sealed meanwhile: AppendRecord fails with a
// KindState error until CloseCheckpoint is called.
func (fs *FileStorage) CreateCheckpoint() (io.Writer, jrnl.Generation, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.sm.Get() != stWritable {
		return nil, jrnl.NoGeneration, newErrState("create_checkpoint", "storage is not writable")
	}
	if fs.ckptStream != nil {
		return nil, jrnl.NoGeneration, newErrState("create_checkpoint", "a checkpoint is already in progress")
	}
	fs.ckptNewGen = fs.gen + 1
	fs.ckptStream = &checkpointStreamWriter{}
	return fs.ckptStream, fs.ckptNewGen, nil
}

// CloseCheckpoint commits (or discards) the checkpoint started by
// CreateCheckpoint. On commit it writes the checkpoint file, renames it
// into place, and rotates the segment chain onto the new generation.
func (fs *FileStorage) CloseCheckpoint(commit bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.ckptStream == nil {
		return newErrState("close_checkpoint", "no checkpoint in progress")
	}
	stream := fs.ckptStream
	newGen := fs.ckptNewGen
	fs.ckptStream = nil
	fs.ckptNewGen = 0

	if !commit {
		return nil
	}

	tmp := checkpointTempFileName(fs.base)
	path, err := writeCheckpointFile(fs.dir, tmp, newGen, fs.opts.UserMagic, stream.buf)
	if err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "close_checkpoint", Cause: err}
	}
	final := joinPath(fs.dir, checkpointFileName(fs.base))
	if err := os.Rename(path, final); err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "close_checkpoint", Cause: err}
	}

	if err := fs.writer.close(); err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "close_checkpoint", Cause: err}
	}
	supersededSegs := fs.segments

	fs.gen = newGen
	fs.nextSeq = 0
	name := segmentFileName(fs.base, newGen, 0)
	sw, err := createSegment(fs.segmentDir(), newGen, 0, fs.opts.UserMagic, name)
	if err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "close_checkpoint", Cause: err}
	}
	fs.segments = []segmentRef{{gen: newGen, seq: 0, name: name}}
	fs.nextSeq = 1
	fs.writer = sw
	fs.replayCursor = nil

	fs.opts.Logger.Info("checkpoint committed", "journal", fs.base, "generation", int64(newGen))

	if err := fs.archiveSuperseded(supersededSegs); err != nil {
		return &jrnl.Error{Kind: jrnl.KindIO, Op: "close_checkpoint", Cause: err}
	}
	return nil
}

func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.sm.Get() == stClosed {
		return nil
	}
	var err error
	if fs.writer != nil {
		err = fs.writer.close()
	}
	fs.sm.Set(stClosed)
	return err
}

func newErrState(op, msg string) error {
	return &jrnl.Error{Kind: jrnl.KindState, Op: op, Cause: fmt.Errorf("%s", msg)}
}
