package ioutil

import (
	"compress/bzip2"
	"compress/zlib"
	"io"

	dsnetbzip2 "github.com/dsnet/compress/bzip2"
	"github.com/pkg/errors"
)

// Compression names the chunk payload codec, matching the on-disk
// "compression" field values exactly.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionBZ2  Compression = "bz2"
	CompressionZlib Compression = "zlib"
)

// writeCloserCounter is a streaming compressor that also reports how
// many uncompressed bytes have been pushed into it. The writer uses
// this counter, never the compressed output size, to decide when a
// chunk has crossed its threshold (Design Note: "do not try to infer
// this from output size").
type writeCloserCounter interface {
	io.WriteCloser
	UncompressedBytesIn() int64
}

// countingWriter wraps an io.WriteCloser compressor and counts the
// bytes handed to Write before compression.
type countingWriter struct {
	io.WriteCloser
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.WriteCloser.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) UncompressedBytesIn() int64 { return c.n }

// EnableCompression switches the write path through a streaming
// compressor of the given kind, writing its output to the underlying
// file. CompressionNone is a no-op: writes go straight to the file.
func (fl *File) EnableCompression(kind Compression) error {
	if fl.compressor != nil {
		return errors.New("ioutil: compression already active")
	}
	fl.compression = kind
	switch kind {
	case CompressionNone:
		return nil
	case CompressionBZ2:
		w, err := dsnetbzip2.NewWriter(fl.f, nil)
		if err != nil {
			return errors.Wrap(err, "ioutil: open bzip2 writer")
		}
		fl.compressor = &countingWriter{WriteCloser: w}
	case CompressionZlib:
		fl.compressor = &countingWriter{WriteCloser: zlib.NewWriter(fl.f)}
	default:
		return errors.Errorf("ioutil: unsupported compression %q", kind)
	}
	pos, err := fl.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Wrap(err, "ioutil: seek")
	}
	fl.rawWritePos = pos
	return nil
}

// DisableCompression flushes and closes the active compressor,
// resuming raw writes to the underlying file.
func (fl *File) DisableCompression() error {
	if fl.compressor == nil {
		fl.compression = CompressionNone
		return nil
	}
	err := fl.compressor.Close()
	fl.compressor = nil
	fl.compression = CompressionNone
	if err != nil {
		return errors.Wrap(err, "ioutil: close compressor")
	}
	return nil
}

// CompressedBytesIn returns the number of uncompressed bytes pushed
// into the current compressed stream, or zero if no compressor is
// active.
func (fl *File) CompressedBytesIn() int64 {
	if fl.compressor == nil {
		return 0
	}
	return fl.compressor.UncompressedBytesIn()
}

// RawWritePos returns the file offset at which the current compressed
// run began.
func (fl *File) RawWritePos() int64 { return fl.rawWritePos }

// Decompress decompresses a full chunk payload of exactly
// uncompressedSize bytes from src into dst. dst must be sized to
// uncompressedSize by the caller.
func Decompress(kind Compression, dst []byte, src []byte) error {
	switch kind {
	case CompressionNone:
		if len(src) != len(dst) {
			return errors.New("ioutil: size mismatch for uncompressed chunk")
		}
		copy(dst, src)
		return nil
	case CompressionBZ2:
		r := bzip2.NewReader(newByteReader(src))
		return readFull(dst, r)
	case CompressionZlib:
		r, err := zlib.NewReader(newByteReader(src))
		if err != nil {
			return errors.Wrap(err, "ioutil: open zlib reader")
		}
		defer r.Close()
		return readFull(dst, r)
	default:
		return errors.Errorf("ioutil: unsupported compression %q", kind)
	}
}

func readFull(dst []byte, r io.Reader) error {
	_, err := io.ReadFull(r, dst)
	if err != nil {
		return errors.Wrap(err, "ioutil: decompress")
	}
	return nil
}

func newByteReader(b []byte) io.Reader {
	return &byteReader{b: b}
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
