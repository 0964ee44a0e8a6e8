package recordio

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// Op identifies one of the six record kinds (spec §4.3). It is
// encoded as its raw single-byte value, never as ASCII.
type Op byte

const (
	OpMessageDefinition Op = 0x01
	OpMessageData        Op = 0x02
	OpFileHeader        Op = 0x03
	OpIndexData         Op = 0x04
	OpChunk             Op = 0x05
	OpChunkInfo         Op = 0x06
)

// Field names, exactly as spec §4.3 names them.
const (
	FieldOp         = "op"
	FieldIndexPos   = "index_pos"
	FieldTopicCount = "topic_count"
	FieldChunkCount = "chunk_count"
	FieldCompression = "compression"
	FieldSize       = "size"
	FieldVer        = "ver"
	FieldTopic      = "topic"
	FieldCount      = "count"
	FieldMD5        = "md5"
	FieldType       = "type"
	FieldDef        = "def"
	FieldTime       = "time"
	FieldLatching   = "latching"
	FieldCallerID   = "callerid"
	FieldChunkPos   = "chunk_pos"
	FieldStartTime  = "start_time"
	FieldEndTime    = "end_time"
)

// FileHeaderLength is the padded, fixed length of the file-header
// record so it can be rewritten in place on close without shifting
// any later offset.
const FileHeaderLength = 4096

// CurrentIndexVersion / CurrentChunkInfoVersion are the only versions
// this engine writes. Version 0 index-data is accepted on read for
// 1.2 legacy bags (spec §4.5.1).
const (
	CurrentIndexVersion     uint32 = 1
	LegacyIndexVersion      uint32 = 0
	CurrentChunkInfoVersion uint32 = 1
)

func opField(op Op) Fields {
	return Fields{FieldOp: []byte{byte(op)}}
}

func readOp(fields Fields) (Op, error) {
	b, err := CheckField(fields, FieldOp, 1, 1)
	if err != nil {
		return 0, err
	}
	return Op(b[0]), nil
}

// --- file-header -----------------------------------------------------

// FileHeader is the op=0x03 record.
type FileHeader struct {
	IndexPos   uint64
	TopicCount uint32
	ChunkCount uint32
}

// Encode returns the full FileHeaderLength-byte record, padded with
// spaces in the data section.
func (h FileHeader) Encode() []byte {
	fields := opField(OpFileHeader)
	fields[FieldIndexPos] = PutUint64(h.IndexPos)
	fields[FieldTopicCount] = PutUint32(h.TopicCount)
	fields[FieldChunkCount] = PutUint32(h.ChunkCount)

	headerOnly := EncodeRecord(fields, nil)
	if len(headerOnly) > FileHeaderLength {
		panic("recordio: file header no longer fits in FileHeaderLength")
	}
	padding := make([]byte, FileHeaderLength-len(headerOnly))
	for i := range padding {
		padding[i] = ' '
	}
	rec := EncodeRecord(fields, padding)
	if len(rec) != FileHeaderLength {
		panic("recordio: file header padding arithmetic is wrong")
	}
	return rec
}

// DecodeFileHeader decodes a file-header record already split into
// fields and data (the data section itself is ignored padding).
func DecodeFileHeader(fields Fields) (FileHeader, error) {
	op, err := readOp(fields)
	if err != nil {
		return FileHeader{}, err
	}
	if op != OpFileHeader {
		return FileHeader{}, errors.Errorf("recordio: expected file-header op, got %#x", op)
	}
	indexPosB, err := CheckField(fields, FieldIndexPos, 8, 8)
	if err != nil {
		return FileHeader{}, err
	}
	topicCountB, err := CheckField(fields, FieldTopicCount, 4, 4)
	if err != nil {
		return FileHeader{}, err
	}
	chunkCountB, err := CheckField(fields, FieldChunkCount, 4, 4)
	if err != nil {
		return FileHeader{}, err
	}
	indexPos, _ := GetUint64(indexPosB)
	topicCount, _ := GetUint32(topicCountB)
	chunkCount, _ := GetUint32(chunkCountB)
	return FileHeader{IndexPos: indexPos, TopicCount: topicCount, ChunkCount: chunkCount}, nil
}

// --- chunk -------------------------------------------------------------

// ChunkHeader is the op=0x05 record header (the compressed payload is
// carried alongside, not inside this struct).
type ChunkHeader struct {
	Compression      string
	CompressedSize   uint32
	UncompressedSize uint32
}

func (c ChunkHeader) fields() Fields {
	fields := opField(OpChunk)
	fields[FieldCompression] = []byte(c.Compression)
	fields[FieldSize] = PutUint32(c.UncompressedSize)
	return fields
}

// EncodePrefix returns header_len+fields+data_len for the chunk
// record (the generic record format's "data_len" field doubles as
// this record kind's CompressedSize). The caller streams exactly
// CompressedSize bytes of compressed payload immediately after,
// through the compressor, rather than buffering it here.
func (c ChunkHeader) EncodePrefix() []byte {
	fields := c.fields()
	header := EncodeHeader(fields)
	out := make([]byte, len(header)+4)
	copy(out, header)
	ByteOrder.PutUint32(out[len(header):], c.CompressedSize)
	return out
}

// ReadChunkPrefix reads a chunk record's header and data_len (the
// latter carried into CompressedSize) from r, leaving r positioned at
// the start of the compressed payload.
func ReadChunkPrefix(r io.Reader) (ChunkHeader, error) {
	fields, err := DecodeHeader(r)
	if err != nil {
		return ChunkHeader{}, err
	}
	h, err := DecodeChunkHeader(fields)
	if err != nil {
		return ChunkHeader{}, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return ChunkHeader{}, errors.Wrap(err, "recordio: read chunk data_len")
	}
	h.CompressedSize = ByteOrder.Uint32(lenBuf[:])
	return h, nil
}

func DecodeChunkHeader(fields Fields) (ChunkHeader, error) {
	op, err := readOp(fields)
	if err != nil {
		return ChunkHeader{}, err
	}
	if op != OpChunk {
		return ChunkHeader{}, errors.Errorf("recordio: expected chunk op, got %#x", op)
	}
	compB, err := ReadField(fields, FieldCompression)
	if err != nil {
		return ChunkHeader{}, err
	}
	sizeB, err := CheckField(fields, FieldSize, 4, 4)
	if err != nil {
		return ChunkHeader{}, err
	}
	uncompressedSize, _ := GetUint32(sizeB)
	return ChunkHeader{Compression: string(compB), UncompressedSize: uncompressedSize}, nil
}

// --- index-data ----------------------------------------------------

// IndexDataEntry is one (time, offset) pair inside an index-data
// record's data section.
type IndexDataEntry struct {
	Sec, Nsec uint32
	Offset    uint32
}

// IndexData is the op=0x04 record.
type IndexData struct {
	Version uint32
	Topic   string
	Entries []IndexDataEntry
}

func (d IndexData) Encode() []byte {
	fields := opField(OpIndexData)
	fields[FieldVer] = PutUint32(d.Version)
	fields[FieldTopic] = []byte(d.Topic)
	fields[FieldCount] = PutUint32(uint32(len(d.Entries)))

	data := make([]byte, 0, len(d.Entries)*12)
	for _, e := range d.Entries {
		data = append(data, PutUint32(e.Sec)...)
		data = append(data, PutUint32(e.Nsec)...)
		data = append(data, PutUint32(e.Offset)...)
	}
	return EncodeRecord(fields, data)
}

// DecodeIndexData decodes an index-data record's fields and data
// section. It accepts both the current version-1 layout (12 bytes per
// entry) and the legacy version-0 layout (20 bytes per entry, with the
// trailing 8-byte value interpreted by the caller as a chunk position
// rather than an in-chunk offset; see spec §4.5.1).
func DecodeIndexData(fields Fields, data []byte) (IndexData, []LegacyIndexDataEntry, error) {
	op, err := readOp(fields)
	if err != nil {
		return IndexData{}, nil, err
	}
	if op != OpIndexData {
		return IndexData{}, nil, errors.Errorf("recordio: expected index-data op, got %#x", op)
	}
	verB, err := CheckField(fields, FieldVer, 4, 4)
	if err != nil {
		return IndexData{}, nil, err
	}
	topicB, err := ReadField(fields, FieldTopic)
	if err != nil {
		return IndexData{}, nil, err
	}
	countB, err := CheckField(fields, FieldCount, 4, 4)
	if err != nil {
		return IndexData{}, nil, err
	}
	version, _ := GetUint32(verB)
	count, _ := GetUint32(countB)
	topic := string(topicB)

	switch version {
	case CurrentIndexVersion:
		if len(data) != int(count)*12 {
			return IndexData{}, nil, errors.New("recordio: index-data size mismatch")
		}
		entries := make([]IndexDataEntry, count)
		for i := range entries {
			off := i * 12
			sec, _ := GetUint32(data[off : off+4])
			nsec, _ := GetUint32(data[off+4 : off+8])
			o, _ := GetUint32(data[off+8 : off+12])
			entries[i] = IndexDataEntry{Sec: sec, Nsec: nsec, Offset: o}
		}
		return IndexData{Version: version, Topic: topic, Entries: entries}, nil, nil
	case LegacyIndexVersion:
		if len(data) != int(count)*20 {
			return IndexData{}, nil, errors.New("recordio: legacy index-data size mismatch")
		}
		entries := make([]LegacyIndexDataEntry, count)
		for i := range entries {
			off := i * 20
			sec, _ := GetUint32(data[off : off+4])
			nsec, _ := GetUint32(data[off+4 : off+8])
			pos, _ := GetUint64(data[off+8 : off+16])
			entries[i] = LegacyIndexDataEntry{Sec: sec, Nsec: nsec, Pos: pos}
		}
		return IndexData{Version: version, Topic: topic}, entries, nil
	default:
		return IndexData{}, nil, errors.Errorf("recordio: unsupported index-data version %d", version)
	}
}

// LegacyIndexDataEntry is the 1.2-era (sec, nsec, pos) index-data
// entry shape (spec §4.5.1): pos is an absolute file position, not an
// in-chunk offset.
type LegacyIndexDataEntry struct {
	Sec, Nsec uint32
	Pos       uint64
}

// --- message-definition --------------------------------------------

// MessageDefinition is the op=0x01 record.
type MessageDefinition struct {
	Topic string
	MD5   string
	Type  string
	Def   string
}

func (m MessageDefinition) Encode() []byte {
	fields := opField(OpMessageDefinition)
	fields[FieldTopic] = []byte(m.Topic)
	fields[FieldMD5] = []byte(m.MD5)
	fields[FieldType] = []byte(m.Type)
	fields[FieldDef] = []byte(m.Def)
	return EncodeRecord(fields, nil)
}

func DecodeMessageDefinition(fields Fields) (MessageDefinition, error) {
	op, err := readOp(fields)
	if err != nil {
		return MessageDefinition{}, err
	}
	if op != OpMessageDefinition {
		return MessageDefinition{}, errors.Errorf("recordio: expected message-definition op, got %#x", op)
	}
	topicB, err := ReadField(fields, FieldTopic)
	if err != nil {
		return MessageDefinition{}, err
	}
	md5B, err := CheckField(fields, FieldMD5, 32, 32)
	if err != nil {
		return MessageDefinition{}, err
	}
	typeB, err := ReadField(fields, FieldType)
	if err != nil {
		return MessageDefinition{}, err
	}
	defB, err := ReadField(fields, FieldDef)
	if err != nil {
		return MessageDefinition{}, err
	}
	return MessageDefinition{
		Topic: string(topicB),
		MD5:   string(md5B),
		Type:  string(typeB),
		Def:   string(defB),
	}, nil
}

// --- message-data ----------------------------------------------------

// MessageData is the op=0x02 record.
type MessageData struct {
	Topic    string
	Sec      uint32
	Nsec     uint32
	Latching bool
	CallerID string
	Data     []byte
}

func (m MessageData) Encode() []byte {
	fields := opField(OpMessageData)
	fields[FieldTopic] = []byte(m.Topic)
	fields[FieldTime] = PutUint64(PackTime(m.Sec, m.Nsec))
	if m.Latching {
		fields[FieldLatching] = []byte("1")
	}
	if m.CallerID != "" {
		fields[FieldCallerID] = []byte(m.CallerID)
	}
	return EncodeRecord(fields, m.Data)
}

func DecodeMessageData(fields Fields, data []byte) (MessageData, error) {
	op, err := readOp(fields)
	if err != nil {
		return MessageData{}, err
	}
	if op != OpMessageData {
		return MessageData{}, errors.Errorf("recordio: expected message-data op, got %#x", op)
	}
	topicB, err := ReadField(fields, FieldTopic)
	if err != nil {
		return MessageData{}, err
	}
	timeB, err := CheckField(fields, FieldTime, 8, 8)
	if err != nil {
		return MessageData{}, err
	}
	packed, _ := GetUint64(timeB)
	sec, nsec := UnpackTime(packed)

	m := MessageData{Topic: string(topicB), Sec: sec, Nsec: nsec, Data: data}
	if lb, ok := fields[FieldLatching]; ok {
		m.Latching = bytes.Equal(lb, []byte("1"))
	}
	if cb, ok := fields[FieldCallerID]; ok {
		m.CallerID = string(cb)
	}
	return m, nil
}

// --- chunk-info ------------------------------------------------------

// ChunkInfoTopicCount is one topic's message count inside a chunk-info
// record's data section.
type ChunkInfoTopicCount struct {
	Topic string
	Count uint32
}

// ChunkInfo is the op=0x06 record.
type ChunkInfo struct {
	Version       uint32
	ChunkPos      uint64
	StartSec      uint32
	StartNsec     uint32
	EndSec        uint32
	EndNsec       uint32
	TopicCounts   []ChunkInfoTopicCount
}

func (c ChunkInfo) Encode() []byte {
	fields := opField(OpChunkInfo)
	fields[FieldVer] = PutUint32(c.Version)
	fields[FieldChunkPos] = PutUint64(c.ChunkPos)
	fields[FieldStartTime] = PutUint64(PackTime(c.StartSec, c.StartNsec))
	fields[FieldEndTime] = PutUint64(PackTime(c.EndSec, c.EndNsec))
	fields[FieldCount] = PutUint32(uint32(len(c.TopicCounts)))

	var data bytes.Buffer
	for _, tc := range c.TopicCounts {
		data.Write(PutUint32(uint32(len(tc.Topic))))
		data.WriteString(tc.Topic)
		data.Write(PutUint32(tc.Count))
	}
	return EncodeRecord(fields, data.Bytes())
}

func DecodeChunkInfo(fields Fields, data []byte) (ChunkInfo, error) {
	op, err := readOp(fields)
	if err != nil {
		return ChunkInfo{}, err
	}
	if op != OpChunkInfo {
		return ChunkInfo{}, errors.Errorf("recordio: expected chunk-info op, got %#x", op)
	}
	verB, err := CheckField(fields, FieldVer, 4, 4)
	if err != nil {
		return ChunkInfo{}, err
	}
	chunkPosB, err := CheckField(fields, FieldChunkPos, 8, 8)
	if err != nil {
		return ChunkInfo{}, err
	}
	startB, err := CheckField(fields, FieldStartTime, 8, 8)
	if err != nil {
		return ChunkInfo{}, err
	}
	endB, err := CheckField(fields, FieldEndTime, 8, 8)
	if err != nil {
		return ChunkInfo{}, err
	}
	countB, err := CheckField(fields, FieldCount, 4, 4)
	if err != nil {
		return ChunkInfo{}, err
	}

	version, _ := GetUint32(verB)
	chunkPos, _ := GetUint64(chunkPosB)
	startPacked, _ := GetUint64(startB)
	endPacked, _ := GetUint64(endB)
	count, _ := GetUint32(countB)
	startSec, startNsec := UnpackTime(startPacked)
	endSec, endNsec := UnpackTime(endPacked)

	topicCounts := make([]ChunkInfoTopicCount, 0, count)
	pos := 0
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(data) {
			return ChunkInfo{}, errors.New("recordio: truncated chunk-info topic entry")
		}
		nameLen := int(ByteOrder.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+nameLen+4 > len(data) {
			return ChunkInfo{}, errors.New("recordio: truncated chunk-info topic entry")
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen
		msgCount := ByteOrder.Uint32(data[pos : pos+4])
		pos += 4
		topicCounts = append(topicCounts, ChunkInfoTopicCount{Topic: name, Count: msgCount})
	}

	return ChunkInfo{
		Version:     version,
		ChunkPos:    chunkPos,
		StartSec:    startSec,
		StartNsec:   startNsec,
		EndSec:      endSec,
		EndNsec:     endNsec,
		TopicCounts: topicCounts,
	}, nil
}
