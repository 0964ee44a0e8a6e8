// Package recordio implements the header codec and the six on-disk
// record kinds of the bag file format (spec §4.2, §4.3).
package recordio

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ByteOrder is little-endian throughout the file format.
var ByteOrder = binary.LittleEndian

// Fields is a decoded record header: an unordered set of key/value
// pairs. Values are arbitrary bytes, never required to be valid text.
type Fields map[string][]byte

// EncodeHeader serializes fields into the header_len-prefixed field
// list of spec §4.2. Field order is the iteration order of the map,
// which the spec explicitly says is irrelevant.
func EncodeHeader(fields Fields) []byte {
	var body bytes.Buffer
	for k, v := range fields {
		field := make([]byte, 0, len(k)+1+len(v))
		field = append(field, k...)
		field = append(field, '=')
		field = append(field, v...)

		var lenBuf [4]byte
		ByteOrder.PutUint32(lenBuf[:], uint32(len(field)))
		body.Write(lenBuf[:])
		body.Write(field)
	}

	out := make([]byte, 4, 4+body.Len())
	ByteOrder.PutUint32(out[:4], uint32(body.Len()))
	out = append(out, body.Bytes()...)
	return out
}

// DecodeHeader reads a header_len-prefixed field list from r.
func DecodeHeader(r io.Reader) (Fields, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "recordio: read header length")
	}
	headerLen := ByteOrder.Uint32(lenBuf[:])

	body := make([]byte, headerLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "recordio: read header body")
	}

	fields := make(Fields)
	pos := 0
	for pos < len(body) {
		if pos+4 > len(body) {
			return nil, errors.New("recordio: truncated field length")
		}
		fieldLen := int(ByteOrder.Uint32(body[pos : pos+4]))
		pos += 4
		if pos+fieldLen > len(body) {
			return nil, errors.New("recordio: truncated field")
		}
		field := body[pos : pos+fieldLen]
		pos += fieldLen

		eq := bytes.IndexByte(field, '=')
		if eq < 0 {
			return nil, errors.New("recordio: field missing '='")
		}
		key := string(field[:eq])
		value := make([]byte, len(field)-eq-1)
		copy(value, field[eq+1:])
		fields[key] = value
	}
	return fields, nil
}

// EncodeRecord serializes a full header+data record: header_len,
// fields, data_len, data (spec §4.2).
func EncodeRecord(fields Fields, data []byte) []byte {
	header := EncodeHeader(fields)
	out := make([]byte, len(header), len(header)+4+len(data))
	copy(out, header)

	var lenBuf [4]byte
	ByteOrder.PutUint32(lenBuf[:], uint32(len(data)))
	out = append(out, lenBuf[:]...)
	out = append(out, data...)
	return out
}

// DecodeRecord reads a full header+data record from r.
func DecodeRecord(r io.Reader) (Fields, []byte, error) {
	fields, err := DecodeHeader(r)
	if err != nil {
		return nil, nil, err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, errors.Wrap(err, "recordio: read data length")
	}
	dataLen := ByteOrder.Uint32(lenBuf[:])

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, nil, errors.Wrap(err, "recordio: read data")
	}
	return fields, data, nil
}

// ReadField returns the raw bytes of key, or an error if absent.
func ReadField(fields Fields, key string) ([]byte, error) {
	v, ok := fields[key]
	if !ok {
		return nil, errors.Errorf("recordio: missing required field %q", key)
	}
	return v, nil
}

// CheckField enforces a field's byte length falls within [min, max].
// Pass min == max to require an exact size (e.g. MD5 is exactly 32).
func CheckField(fields Fields, key string, min, max int) ([]byte, error) {
	v, err := ReadField(fields, key)
	if err != nil {
		return nil, err
	}
	if len(v) < min || len(v) > max {
		return nil, errors.Errorf("recordio: field %q has invalid size %d (want [%d,%d])", key, len(v), min, max)
	}
	return v, nil
}

// PutUint32 / PutUint64 / PutPackedTime encode scalar header field
// values as their raw little-endian bytes, as spec §4.2 requires for
// fields other than op.

func PutUint32(v uint32) []byte {
	b := make([]byte, 4)
	ByteOrder.PutUint32(b, v)
	return b
}

func PutUint64(v uint64) []byte {
	b := make([]byte, 8)
	ByteOrder.PutUint64(b, v)
	return b
}

func GetUint32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, errors.Errorf("recordio: expected 4-byte field, got %d", len(b))
	}
	return ByteOrder.Uint32(b), nil
}

func GetUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("recordio: expected 8-byte field, got %d", len(b))
	}
	return ByteOrder.Uint64(b), nil
}

// PackTime packs (sec, nsec) into the header "time" field's u64
// representation: (nsec << 32) | sec. This is intentionally a
// different packing than the raw on-disk index-data entries (spec
// §4.2).
func PackTime(sec, nsec uint32) uint64 {
	return uint64(nsec)<<32 | uint64(sec)
}

// UnpackTime reverses PackTime.
func UnpackTime(packed uint64) (sec, nsec uint32) {
	sec = uint32(packed)
	nsec = uint32(packed >> 32)
	return
}
