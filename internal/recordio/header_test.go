package recordio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	fields := Fields{
		"op":    []byte{byte(OpMessageData)},
		"topic": []byte("/imu"),
		"time":  PutUint64(PackTime(10, 500)),
	}
	encoded := EncodeHeader(fields)
	decoded, err := DecodeHeader(bytes.NewReader(encoded))
	require.NoError(t, err)
	assert.Equal(t, fields, decoded)
}

func TestRecordRoundTrip(t *testing.T) {
	fields := Fields{"op": []byte{byte(OpMessageData)}, "topic": []byte("/a")}
	data := []byte{1, 2, 3, 4, 5}
	encoded := EncodeRecord(fields, data)

	decodedFields, decodedData, err := DecodeRecord(bytes.NewReader(encoded))
	require.NoError(t, err)
	assert.Equal(t, fields, decodedFields)
	assert.Equal(t, data, decodedData)
}

func TestCheckFieldBounds(t *testing.T) {
	fields := Fields{"md5": []byte("0123456789abcdef0123456789abcdef0")} // 33 chars
	_, err := CheckField(fields, "md5", 32, 32)
	assert.Error(t, err)

	fields["md5"] = []byte("0123456789abcdef0123456789abcdef") // 32 chars
	v, err := CheckField(fields, "md5", 32, 32)
	require.NoError(t, err)
	assert.Len(t, v, 32)
}

func TestReadFieldMissing(t *testing.T) {
	_, err := ReadField(Fields{}, "topic")
	assert.Error(t, err)
}

func TestPackTime(t *testing.T) {
	packed := PackTime(10, 500)
	sec, nsec := UnpackTime(packed)
	assert.EqualValues(t, 10, sec)
	assert.EqualValues(t, 500, nsec)
}
