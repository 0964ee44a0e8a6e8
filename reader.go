package bagfile

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"

	"github.com/tandemrobotics/bagfile/internal/ioutil"
	"github.com/tandemrobotics/bagfile/internal/recordio"
)

// fileReader adapts ioutil.File's ReadFull to io.Reader, which the
// recordio header/record decoders are written against.
type fileReader struct{ f *ioutil.File }

func (r fileReader) Read(p []byte) (int, error) {
	if err := r.f.ReadFull(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// openRead implements spec §4.5 "open(path, Read)": read the version
// line, locate the file header, then load every topic's schema and
// index from the index region at end-of-file.
func (b *Bag) openRead() error {
	f, err := ioutil.Open(b.path, b.osFlagsForMode(), 0)
	if err != nil {
		return wrapIO(err, "open bag for read")
	}
	b.file = f

	if err := b.readVersionLine(); err != nil {
		return err
	}
	if b.version() < 102 {
		return errors.Wrap(ErrUnsupportedVersion, "bag predates version 1.2")
	}

	pos, err := b.file.Offset()
	if err != nil {
		return wrapIO(err, "offset")
	}
	b.fileHeaderPos = pos

	if b.version() == 102 {
		return b.openReadLegacy()
	}

	fields, data, err := recordio.DecodeRecord(fileReader{b.file})
	if err != nil {
		return wrapFormat(err, "read file header")
	}
	_ = data
	fh, err := recordio.DecodeFileHeader(fields)
	if err != nil {
		return wrapFormat(err, "decode file header")
	}
	b.indexPos = fh.IndexPos
	b.topicCount = fh.TopicCount
	b.chunkCount = fh.ChunkCount

	if b.indexPos == 0 {
		// Spec §9: a file header with index_pos == 0 means the writer
		// never closed cleanly. A plain read open cannot recover; that
		// recovery path only exists for Append (see append.go).
		return errors.Wrap(ErrFormat, "bag has no index (unclean writer shutdown)")
	}

	if _, err := b.file.Seek(int64(b.indexPos), ioutil.SeekStart); err != nil {
		return wrapIO(err, "seek to index region")
	}
	return b.loadIndexRegion()
}

// loadIndexRegion reads the message-definition and chunk-info records
// that make up the index region (spec §4.3 "index region"), populating
// topicInfos and chunkInfos, then walks every chunk once to pick up
// its trailing per-topic index-data records.
func (b *Bag) loadIndexRegion() error {
	for i := uint32(0); i < b.topicCount; i++ {
		fields, _, err := recordio.DecodeRecord(fileReader{b.file})
		if err != nil {
			return wrapFormat(err, "read message-definition record")
		}
		md, err := recordio.DecodeMessageDefinition(fields)
		if err != nil {
			return wrapFormat(err, "decode message-definition")
		}
		b.topicInfos[md.Topic] = TopicInfo{
			Topic: md.Topic, DataType: md.Type, MD5Sum: md.MD5, MessageDefinition: md.Def,
		}
	}

	for i := uint32(0); i < b.chunkCount; i++ {
		fields, data, err := recordio.DecodeRecord(fileReader{b.file})
		if err != nil {
			return wrapFormat(err, "read chunk-info record")
		}
		ci, err := recordio.DecodeChunkInfo(fields, data)
		if err != nil {
			return wrapFormat(err, "decode chunk-info")
		}
		info := ChunkInfo{
			Pos:         ci.ChunkPos,
			StartTime:   Time{Sec: ci.StartSec, Nsec: ci.StartNsec},
			EndTime:     Time{Sec: ci.EndSec, Nsec: ci.EndNsec},
			TopicCounts: map[string]uint32{},
		}
		for _, tc := range ci.TopicCounts {
			info.TopicCounts[tc.Topic] = tc.Count
		}
		b.chunkInfos = append(b.chunkInfos, info)
	}

	sort.Slice(b.chunkInfos, func(i, j int) bool { return b.chunkInfos[i].Pos < b.chunkInfos[j].Pos })

	for _, ci := range b.chunkInfos {
		if err := b.loadChunkTopicIndexes(ci); err != nil {
			return err
		}
	}
	return nil
}

// loadChunkTopicIndexes reads the index-data records trailing one
// chunk (spec §4.3: "a chunk is followed by one index-data record per
// topic present in it") and merges them into topicIndexes.
func (b *Bag) loadChunkTopicIndexes(ci ChunkInfo) error {
	if _, err := b.file.Seek(int64(ci.Pos), ioutil.SeekStart); err != nil {
		return wrapIO(err, "seek to chunk")
	}
	hdr, err := recordio.ReadChunkPrefix(fileReader{b.file})
	if err != nil {
		return wrapFormat(err, "read chunk prefix")
	}
	if _, err := b.file.Seek(int64(hdr.CompressedSize), ioutil.SeekCurrent); err != nil {
		return wrapIO(err, "skip chunk payload")
	}

	for range ci.TopicCounts {
		fields, data, err := recordio.DecodeRecord(fileReader{b.file})
		if err != nil {
			return wrapFormat(err, "read index-data record")
		}
		idx, _, err := recordio.DecodeIndexData(fields, data)
		if err != nil {
			return wrapFormat(err, "decode index-data")
		}
		for _, e := range idx.Entries {
			b.topicIndexes[idx.Topic] = append(b.topicIndexes[idx.Topic], IndexEntry{
				Time:     Time{Sec: e.Sec, Nsec: e.Nsec},
				ChunkPos: ci.Pos,
				Offset:   e.Offset,
			})
		}
	}
	return nil
}

// fetch decompresses the chunk at chunkPos (reusing the single
// decompressed-chunk cache when possible) and returns the message-data
// record reachable from the given uncompressed offset inside it.
//
// The index-data entry for the first message the writer saw on a
// topic points at that topic's in-chunk message-definition record
// rather than directly at the message-data record, since the writer
// captures the offset before deciding whether a definition needs
// writing (a definition is written only on a topic's first Write; spec
// §4.5 step 2, grounded on the original implementation's
// readMessageDataRecord103). So this walks forward from offset,
// skipping any message-definition records, until it finds a
// message-data record, and checks that record's topic against the
// caller's expectation.
func (b *Bag) fetch(chunkPos uint64, offset uint32, topic string) (recordio.MessageData, error) {
	buf, err := b.decompressedChunk(chunkPos)
	if err != nil {
		return recordio.MessageData{}, err
	}
	if int(offset) >= len(buf) {
		return recordio.MessageData{}, errors.Wrap(ErrFormat, "index offset beyond chunk payload")
	}

	r := bytes.NewReader(buf[offset:])
	for {
		fields, data, err := recordio.DecodeRecord(r)
		if err != nil {
			return recordio.MessageData{}, wrapFormat(err, "read message record")
		}
		op, err := recordio.CheckField(fields, recordio.FieldOp, 1, 1)
		if err != nil {
			return recordio.MessageData{}, wrapFormat(err, "read message record op")
		}
		if recordio.Op(op[0]) == recordio.OpMessageDefinition {
			continue
		}
		md, err := recordio.DecodeMessageData(fields, data)
		if err != nil {
			return recordio.MessageData{}, wrapFormat(err, "decode message-data")
		}
		if md.Topic != topic {
			return recordio.MessageData{}, errors.Wrapf(ErrFormat, "index entry for %q resolved to message-data for %q", topic, md.Topic)
		}
		return md, nil
	}
}

// decompressedChunk returns the fully decompressed payload of the
// chunk starting at chunkPos, serving it from the Bag's single-slot
// cache when the previous fetch targeted the same chunk (Design Note:
// "one decompressed-chunk cache per Bag, never per iterator").
func (b *Bag) decompressedChunk(chunkPos uint64) ([]byte, error) {
	if b.decompressedChunkPos == int64(chunkPos) {
		return b.decompressBuffer, nil
	}
	if _, err := b.file.Seek(int64(chunkPos), ioutil.SeekStart); err != nil {
		return nil, wrapIO(err, "seek to chunk")
	}
	hdr, err := recordio.ReadChunkPrefix(fileReader{b.file})
	if err != nil {
		return nil, wrapFormat(err, "read chunk prefix")
	}
	compressed := make([]byte, hdr.CompressedSize)
	if err := b.file.ReadFull(compressed); err != nil {
		return nil, wrapIO(err, "read chunk payload")
	}
	out := make([]byte, hdr.UncompressedSize)
	if err := ioutil.Decompress(ioutil.Compression(hdr.Compression), out, compressed); err != nil {
		return nil, errors.Wrap(ErrCompression, err.Error())
	}
	b.decompressedChunkPos = int64(chunkPos)
	b.decompressBuffer = out
	return out, nil
}

// fetchEntry resolves one IndexEntry to its message-data record,
// dispatching to the chunked or legacy fetch path as appropriate.
// topic is the topic this entry was indexed under, used to verify the
// resolved record actually belongs to it.
func (b *Bag) fetchEntry(e IndexEntry, topic string) (recordio.MessageData, error) {
	if b.legacy {
		return b.fetchLegacy(e.ChunkPos)
	}
	return b.fetch(e.ChunkPos, e.Offset, topic)
}

// closeRead releases the file handle. Read mode takes no lock, so
// there is nothing else to undo.
func (b *Bag) closeRead() error {
	return nil
}
