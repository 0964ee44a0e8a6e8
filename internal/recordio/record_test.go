package recordio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileHeaderRoundTrip(t *testing.T) {
	h := FileHeader{IndexPos: 12345, TopicCount: 2, ChunkCount: 3}
	encoded := h.Encode()
	assert.Len(t, encoded, FileHeaderLength)

	fields, _, err := DecodeRecord(bytes.NewReader(encoded))
	require.NoError(t, err)
	decoded, err := DecodeFileHeader(fields)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestIndexDataRoundTrip(t *testing.T) {
	d := IndexData{
		Version: CurrentIndexVersion,
		Topic:   "/a",
		Entries: []IndexDataEntry{
			{Sec: 10, Nsec: 0, Offset: 0},
			{Sec: 11, Nsec: 5, Offset: 42},
		},
	}
	encoded := d.Encode()
	fields, data, err := DecodeRecord(bytes.NewReader(encoded))
	require.NoError(t, err)
	decoded, legacy, err := DecodeIndexData(fields, data)
	require.NoError(t, err)
	assert.Nil(t, legacy)
	assert.Equal(t, d, decoded)
}

func TestLegacyIndexData(t *testing.T) {
	fields := Fields{
		"op":    []byte{byte(OpIndexData)},
		"ver":   PutUint32(LegacyIndexVersion),
		"topic": []byte("/a"),
		"count": PutUint32(1),
	}
	data := make([]byte, 20)
	ByteOrder.PutUint32(data[0:4], 10)
	ByteOrder.PutUint32(data[4:8], 0)
	ByteOrder.PutUint64(data[8:16], 999)
	_, legacy, err := DecodeIndexData(fields, data)
	require.NoError(t, err)
	require.Len(t, legacy, 1)
	assert.EqualValues(t, 999, legacy[0].Pos)
}

func TestMessageDefinitionRoundTrip(t *testing.T) {
	m := MessageDefinition{
		Topic: "/a",
		MD5:   "0123456789abcdef0123456789abcdef"[:32],
		Type:  "std_msgs/String",
		Def:   "string data\n",
	}
	encoded := m.Encode()
	fields, _, err := DecodeRecord(bytes.NewReader(encoded))
	require.NoError(t, err)
	decoded, err := DecodeMessageDefinition(fields)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestMessageDataRoundTrip(t *testing.T) {
	m := MessageData{
		Topic:    "/a",
		Sec:      10,
		Nsec:     500,
		Latching: true,
		CallerID: "/node",
		Data:     []byte{1, 2, 3},
	}
	encoded := m.Encode()
	fields, data, err := DecodeRecord(bytes.NewReader(encoded))
	require.NoError(t, err)
	decoded, err := DecodeMessageData(fields, data)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestChunkInfoRoundTrip(t *testing.T) {
	c := ChunkInfo{
		Version:   CurrentChunkInfoVersion,
		ChunkPos:  4096,
		StartSec:  10,
		StartNsec: 0,
		EndSec:    11,
		EndNsec:   0,
		TopicCounts: []ChunkInfoTopicCount{
			{Topic: "/a", Count: 2},
			{Topic: "/b", Count: 1},
		},
	}
	encoded := c.Encode()
	fields, data, err := DecodeRecord(bytes.NewReader(encoded))
	require.NoError(t, err)
	decoded, err := DecodeChunkInfo(fields, data)
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestChunkPrefixRoundTrip(t *testing.T) {
	h := ChunkHeader{Compression: "bz2", CompressedSize: 77, UncompressedSize: 200}
	prefix := h.EncodePrefix()
	decoded, err := ReadChunkPrefix(bytes.NewReader(prefix))
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}
