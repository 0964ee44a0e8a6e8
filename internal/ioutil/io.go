// Package ioutil implements the bag engine's positional file access
// and the pluggable compression filter sitting on top of it. It is
// the leaf layer everything else in the engine is built on, the way
// hybridlog is the leaf layer underneath the teacher's kleio package.
package ioutil

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Whence mirrors the three stdlib seek origins.
type Whence int

const (
	SeekStart   Whence = io.SeekStart
	SeekCurrent Whence = io.SeekCurrent
	SeekEnd     Whence = io.SeekEnd
)

// File is a positional reader/writer over a single on-disk bag, with an
// optional streaming compressor spliced into the write path. Reads
// never go through the compressor: the reader always decompresses a
// full chunk payload at once (see Decompress).
type File struct {
	f *os.File

	compressor   writeCloserCounter
	compression  Compression
	rawWritePos  int64 // file offset where the current compressed run started
}

// Open opens path with the given os flags. perm is only used on create.
func Open(path string, flag int, perm os.FileMode) (*File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, errors.Wrap(err, "ioutil: open file")
	}
	return &File{f: f}, nil
}

// Fd exposes the underlying descriptor, needed for flock.
func (fl *File) Fd() uintptr { return fl.f.Fd() }

// Offset returns the current file offset.
func (fl *File) Offset() (int64, error) {
	return fl.f.Seek(0, io.SeekCurrent)
}

// Seek repositions the file cursor. It is only valid when no
// compressor is currently active on the write path.
func (fl *File) Seek(offset int64, whence Whence) (int64, error) {
	if fl.compressor != nil {
		return 0, errors.New("ioutil: cannot seek while compressed write is active")
	}
	return fl.f.Seek(offset, int(whence))
}

// Truncate truncates the underlying file to pos bytes.
func (fl *File) Truncate(pos int64) error {
	return fl.f.Truncate(pos)
}

// ReadFull reads exactly len(b) bytes at the current position.
func (fl *File) ReadFull(b []byte) error {
	_, err := io.ReadFull(fl.f, b)
	if err != nil {
		return errors.Wrap(err, "ioutil: read")
	}
	return nil
}

// ReadAt reads exactly len(b) bytes starting at pos, without moving
// the file's current write cursor.
func (fl *File) ReadAt(b []byte, pos int64) error {
	_, err := fl.f.ReadAt(b, pos)
	if err != nil {
		return errors.Wrap(err, "ioutil: read at")
	}
	return nil
}

// Write writes b through the active compressor if one is enabled,
// otherwise directly to the file.
func (fl *File) Write(b []byte) error {
	if fl.compressor != nil {
		if _, err := fl.compressor.Write(b); err != nil {
			return errors.Wrap(err, "ioutil: compressed write")
		}
		return nil
	}
	if _, err := fl.f.Write(b); err != nil {
		return errors.Wrap(err, "ioutil: write")
	}
	return nil
}

// Sync flushes the file to stable storage.
func (fl *File) Sync() error {
	return fl.f.Sync()
}

// Close closes the underlying file, first flushing and closing any
// active compressor.
func (fl *File) Close() error {
	if fl.compressor != nil {
		if err := fl.DisableCompression(); err != nil {
			return err
		}
	}
	return fl.f.Close()
}
