package filestorage

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"

	"github.com/coredbx/jrnl"
)

func joinPath(dir, name string) string {
	return filepath.Join(dir, name)
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// corruptf builds a *jrnl.Error of KindCorrupted, the category assigned
// to framing, checksum, magic, or size-limit violations.
func corruptf(format string, args ...any) error {
	return &jrnl.Error{Kind: jrnl.KindCorrupted, Op: "filestorage", Cause: fmt.Errorf(format, args...)}
}

func iof(format string, args ...any) error {
	return &jrnl.Error{Kind: jrnl.KindIO, Op: "filestorage", Cause: fmt.Errorf(format, args...)}
}
