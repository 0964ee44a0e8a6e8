package bagfile

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds (spec §7). Lower layers (ioutil, recordio) return their
// own wrapped errors; these sentinels let callers distinguish broad
// categories with errors.Is.
var (
	// ErrIO wraps any failure from the underlying file.
	ErrIO = errors.New("io error")
	// ErrFormat wraps header parse failures, missing/oversized
	// fields, unknown ops, and count/size mismatches.
	ErrFormat = errors.New("format error")
	// ErrUnsupportedVersion is returned when reading a bag older than
	// version 1.2, or appending to a bag older than version 2.0.
	ErrUnsupportedVersion = errors.New("unsupported bag version")
	// ErrCompression wraps a compressor/decompressor failure.
	ErrCompression = errors.New("compression error")
	// ErrBadState is returned for operations invalid in the bag's
	// current mode or lifecycle state (e.g. Write on a read-only bag).
	ErrBadState = errors.New("invalid operation for current state")
)

func wrapIO(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("bagfile: %s: %w (%v)", msg, ErrIO, err)
}

func wrapFormat(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("bagfile: %s: %w (%v)", msg, ErrFormat, err)
}
