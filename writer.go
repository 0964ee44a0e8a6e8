package bagfile

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/tandemrobotics/bagfile/internal/ioutil"
	"github.com/tandemrobotics/bagfile/internal/recordio"
	"github.com/tandemrobotics/bagfile/message"
)

// openWrite implements spec §4.4 "open(path, Write)".
func (b *Bag) openWrite() error {
	f, err := ioutil.Open(b.path, b.osFlagsForMode(), 0644)
	if err != nil {
		return wrapIO(err, "open bag for write")
	}
	b.file = f
	if err := b.lockIfWriting(); err != nil {
		return err
	}
	if err := b.writeVersionLine(); err != nil {
		return wrapIO(err, "write version line")
	}
	pos, err := b.file.Offset()
	if err != nil {
		return wrapIO(err, "offset")
	}
	b.fileHeaderPos = pos
	fh := recordio.FileHeader{IndexPos: 0, TopicCount: 0, ChunkCount: 0}
	if err := b.file.Write(fh.Encode()); err != nil {
		return wrapIO(err, "write file header")
	}
	return nil
}

// Write appends one message to topic at time t (spec §4.4).
func (b *Bag) Write(topic string, t Time, msg message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.checkWritingEnabled() {
		b.warnDroppedOnce(topic)
		return nil
	}

	info, needsDefWritten := b.topicInfoFor(topic, msg)

	payload := make([]byte, msg.SerializationLength())
	if _, err := msg.Serialize(payload, 0); err != nil {
		return errors.Wrap(err, "bagfile: serialize message")
	}
	var latching bool
	var callerID string
	if hdr := msg.ConnectionHeader(); hdr != nil {
		latching = hdr["latching"] == "1"
		callerID = hdr["callerid"]
	}

	return b.writeRaw(topic, t, info, needsDefWritten, payload, latching, callerID)
}

// writeRaw performs the chunk bookkeeping and record writes common to
// Write and Rewrite, given an already-serialized payload. Callers
// must hold b.mu and must have already checked the bag is writable.
func (b *Bag) writeRaw(topic string, t Time, info TopicInfo, needsDefWritten bool, payload []byte, latching bool, callerID string) error {
	if b.mode != ModeWrite && b.mode != ModeAppend && b.mode != ModeReadAppend {
		return errors.Wrap(ErrBadState, "write called on a bag not open for writing")
	}

	if !b.chunkOpen {
		if err := b.startChunk(t); err != nil {
			return err
		}
	}

	entry := IndexEntry{Time: t, ChunkPos: b.currChunkInfo.Pos, Offset: uint32(b.chunkOffset())}
	b.currChunkTopicIndexes[topic] = append(b.currChunkTopicIndexes[topic], entry)
	b.currChunkInfo.TopicCounts[topic]++

	if needsDefWritten {
		def := recordio.MessageDefinition{
			Topic: topic, MD5: info.MD5Sum, Type: info.DataType, Def: info.MessageDefinition,
		}
		if err := b.file.Write(def.Encode()); err != nil {
			return wrapIO(err, "write message-definition record")
		}
	}

	md := recordio.MessageData{Topic: topic, Sec: t.Sec, Nsec: t.Nsec, Data: payload, Latching: latching, CallerID: callerID}
	if err := b.file.Write(md.Encode()); err != nil {
		return wrapIO(err, "write message-data record")
	}

	b.currChunkInfo.EndTime = maxTime(b.currChunkInfo.EndTime, t)

	if b.chunkOffset() > int64(b.chunkThreshold) {
		if err := b.stopWritingChunk(); err != nil {
			return err
		}
	}
	return nil
}

// topicInfoFor returns topic's TopicInfo, capturing it from msg on
// first observation (spec §4.4 step 2, §3 "Lifecycle").
func (b *Bag) topicInfoFor(topic string, msg message.Message) (TopicInfo, bool) {
	if info, ok := b.topicInfos[topic]; ok {
		return info, false
	}
	info := TopicInfo{
		Topic:             topic,
		DataType:          msg.DataType(),
		MD5Sum:            msg.MD5Sum(),
		MessageDefinition: msg.MessageDefinition(),
	}
	b.topicInfos[topic] = info
	b.topicCount++
	return info, true
}

// topicInfoForRaw is topicInfoFor without a message.Message, for
// callers (Rewrite) that already have the TopicInfo in hand.
func (b *Bag) topicInfoForRaw(topic string, info TopicInfo) (TopicInfo, bool) {
	if existing, ok := b.topicInfos[topic]; ok {
		return existing, false
	}
	b.topicInfos[topic] = info
	b.topicCount++
	return info, true
}

// startChunk opens a new chunk record with placeholder sizes and
// switches the file onto the compressed write path (spec §4.4 step 4).
func (b *Bag) startChunk(t Time) error {
	pos, err := b.file.Offset()
	if err != nil {
		return wrapIO(err, "offset")
	}
	b.currChunkInfo = ChunkInfo{Pos: uint64(pos), StartTime: t, EndTime: t, TopicCounts: map[string]uint32{}}
	b.currChunkTopicIndexes = map[string][]IndexEntry{}

	placeholder := recordio.ChunkHeader{Compression: string(b.compression), CompressedSize: 0, UncompressedSize: 0}
	if err := b.file.Write(placeholder.EncodePrefix()); err != nil {
		return wrapIO(err, "write chunk header placeholder")
	}
	if err := b.file.EnableCompression(b.compression); err != nil {
		return errors.Wrap(ErrCompression, err.Error())
	}
	dataPos, err := b.file.Offset()
	if err != nil {
		return wrapIO(err, "offset")
	}
	b.currChunkDataPos = dataPos
	b.chunkOpen = true
	return nil
}

// chunkOffset returns the number of uncompressed bytes written into
// the current chunk so far (spec §4.4 "chunkOffset()").
func (b *Bag) chunkOffset() int64 {
	if b.compression == CompressionNone {
		pos, _ := b.file.Offset()
		return pos - b.currChunkDataPos
	}
	return b.file.CompressedBytesIn()
}

// stopWritingChunk closes the current chunk: records its ChunkInfo,
// merges its per-topic indexes, rewrites the chunk header with the
// final sizes, and appends the trailing index-data records (spec
// §4.4 "stopWritingChunk()").
func (b *Bag) stopWritingChunk() error {
	uncompressedSize := b.chunkOffset()

	if err := b.file.DisableCompression(); err != nil {
		return errors.Wrap(ErrCompression, err.Error())
	}

	endPos, err := b.file.Offset()
	if err != nil {
		return wrapIO(err, "offset")
	}
	compressedSize := endPos - b.currChunkDataPos

	if _, err := b.file.Seek(int64(b.currChunkInfo.Pos), ioutil.SeekStart); err != nil {
		return wrapIO(err, "seek to chunk header")
	}
	hdr := recordio.ChunkHeader{
		Compression:      string(b.compression),
		CompressedSize:   uint32(compressedSize),
		UncompressedSize: uint32(uncompressedSize),
	}
	if err := b.file.Write(hdr.EncodePrefix()); err != nil {
		return wrapIO(err, "rewrite chunk header")
	}

	if _, err := b.file.Seek(endPos, ioutil.SeekStart); err != nil {
		return wrapIO(err, "seek to end of chunk")
	}
	for topic, entries := range b.currChunkTopicIndexes {
		idx := recordio.IndexData{Version: recordio.CurrentIndexVersion, Topic: topic}
		for _, e := range entries {
			idx.Entries = append(idx.Entries, recordio.IndexDataEntry{Sec: e.Time.Sec, Nsec: e.Time.Nsec, Offset: e.Offset})
		}
		if err := b.file.Write(idx.Encode()); err != nil {
			return wrapIO(err, "write index-data record")
		}
	}

	b.chunkInfos = append(b.chunkInfos, b.currChunkInfo)
	for topic, entries := range b.currChunkTopicIndexes {
		b.topicIndexes[topic] = append(b.topicIndexes[topic], entries...)
	}

	b.chunkCount++
	b.currChunkTopicIndexes = nil
	b.chunkOpen = false
	b.logger.WithField("chunk_pos", b.currChunkInfo.Pos).Debug("chunk closed")
	return nil
}

// closeWrite implements spec §4.4 "close()" steps 1-5.
func (b *Bag) closeWrite() error {
	if b.chunkOpen {
		if err := b.stopWritingChunk(); err != nil {
			return err
		}
	}

	indexPos, err := b.file.Offset()
	if err != nil {
		return wrapIO(err, "offset")
	}
	b.indexPos = uint64(indexPos)

	for _, info := range b.orderedTopicInfos() {
		def := recordio.MessageDefinition{Topic: info.Topic, MD5: info.MD5Sum, Type: info.DataType, Def: info.MessageDefinition}
		if err := b.file.Write(def.Encode()); err != nil {
			return wrapIO(err, "write message-definition record")
		}
	}
	for _, ci := range b.chunkInfos {
		rec := recordio.ChunkInfo{
			Version:   recordio.CurrentChunkInfoVersion,
			ChunkPos:  ci.Pos,
			StartSec:  ci.StartTime.Sec,
			StartNsec: ci.StartTime.Nsec,
			EndSec:    ci.EndTime.Sec,
			EndNsec:   ci.EndTime.Nsec,
		}
		names := make([]string, 0, len(ci.TopicCounts))
		for topic := range ci.TopicCounts {
			names = append(names, topic)
		}
		sort.Strings(names)
		for _, topic := range names {
			rec.TopicCounts = append(rec.TopicCounts, recordio.ChunkInfoTopicCount{Topic: topic, Count: ci.TopicCounts[topic]})
		}
		if err := b.file.Write(rec.Encode()); err != nil {
			return wrapIO(err, "write chunk-info record")
		}
	}

	if _, err := b.file.Seek(b.fileHeaderPos, ioutil.SeekStart); err != nil {
		return wrapIO(err, "seek to file header")
	}
	fh := recordio.FileHeader{IndexPos: b.indexPos, TopicCount: uint32(len(b.topicInfos)), ChunkCount: uint32(len(b.chunkInfos))}
	if err := b.file.Write(fh.Encode()); err != nil {
		return wrapIO(err, "rewrite file header")
	}
	return nil
}

// orderedTopicInfos returns topicInfos sorted by topic name, so the
// message-definition records in the index region have a deterministic
// order across runs.
func (b *Bag) orderedTopicInfos() []TopicInfo {
	names := make([]string, 0, len(b.topicInfos))
	for t := range b.topicInfos {
		names = append(names, t)
	}
	sort.Strings(names)
	out := make([]TopicInfo, 0, len(names))
	for _, n := range names {
		out = append(out, b.topicInfos[n])
	}
	return out
}
