package bagfile

import (
	"bytes"
	"errors"
	"io"

	pkgerrors "github.com/pkg/errors"

	"github.com/tandemrobotics/bagfile/internal/ioutil"
	"github.com/tandemrobotics/bagfile/internal/recordio"
)

// openAppend implements spec §4.6: open an existing bag for further
// writes. The on-disk index region (message-definitions and
// chunk-infos) is truncated away and will be rewritten by closeWrite
// from the in-memory state rebuilt here, exactly as if the newly
// appended messages had always been part of the bag. The index-data
// records trailing each existing chunk lie before the index region and
// stay in place.
//
// If index_pos is 0 the file was never closed cleanly. Per the
// decision recorded for this case (SPEC_FULL.md §6.6), Open does not
// refuse or blindly truncate to zero: it scans forward from the first
// chunk, replaying every chunk header and its trailing index-data
// records to rebuild topicInfos/topicIndexes/chunkInfos, and then
// resumes appending from the first byte it cannot account for.
func (b *Bag) openAppend() error {
	f, err := ioutil.Open(b.path, b.osFlagsForMode(), 0644)
	if err != nil {
		return wrapIO(err, "open bag for append")
	}
	b.file = f
	if err := b.lockIfWriting(); err != nil {
		return err
	}

	if err := b.readVersionLine(); err != nil {
		return err
	}
	if b.version() < 200 {
		return pkgerrors.Wrap(ErrUnsupportedVersion, "append requires a version 2.x bag")
	}

	pos, err := b.file.Offset()
	if err != nil {
		return wrapIO(err, "offset")
	}
	b.fileHeaderPos = pos

	fields, _, err := recordio.DecodeRecord(fileReader{b.file})
	if err != nil {
		return wrapFormat(err, "read file header")
	}
	fh, err := recordio.DecodeFileHeader(fields)
	if err != nil {
		return wrapFormat(err, "decode file header")
	}

	if fh.IndexPos != 0 {
		b.indexPos = fh.IndexPos
		b.topicCount = fh.TopicCount
		b.chunkCount = fh.ChunkCount
		if _, err := b.file.Seek(int64(b.indexPos), ioutil.SeekStart); err != nil {
			return wrapIO(err, "seek to index region")
		}
		if err := b.loadIndexRegion(); err != nil {
			return err
		}
		if _, err := b.file.Seek(int64(b.indexPos), ioutil.SeekStart); err != nil {
			return wrapIO(err, "seek to append point")
		}
		return b.file.Truncate(int64(b.indexPos))
	}

	resumeAt, err := b.recoverFromUncleanShutdown()
	if err != nil {
		return err
	}
	if _, err := b.file.Seek(resumeAt, ioutil.SeekStart); err != nil {
		return wrapIO(err, "seek to recovered append point")
	}
	return b.file.Truncate(resumeAt)
}

// recoverFromUncleanShutdown walks the chunk region one chunk at a
// time, each time expecting: a chunk record, one index-data record
// per topic present in that chunk, then either another chunk or EOF.
// It stops at the first point that does not fit that shape (a
// truncated chunk header, a short compressed payload, or a missing
// index-data record) and returns that point as the file's live
// length, discarding whatever partial chunk followed it.
func (b *Bag) recoverFromUncleanShutdown() (int64, error) {
	pos := b.fileHeaderPos + recordio.FileHeaderLength
	var lastGood int64 = pos

	for {
		chunkStart := pos
		if _, err := b.file.Seek(pos, ioutil.SeekStart); err != nil {
			return 0, wrapIO(err, "seek during recovery")
		}
		if _, err := recordio.ReadChunkPrefix(fileReader{b.file}); err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.WithField("pos", pos).Warn("truncating bag at first unreadable chunk during append recovery")
			}
			break
		}

		ci, topicIndexes, ok, err := b.recoverChunkInfo(chunkStart)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}

		indexEnd, err := b.recoverTrailingIndexData(ci, topicIndexes)
		if err != nil || indexEnd < 0 {
			break
		}

		b.chunkInfos = append(b.chunkInfos, ci)
		for topic, entries := range topicIndexes {
			b.topicIndexes[topic] = append(b.topicIndexes[topic], entries...)
		}
		b.chunkCount++
		lastGood = indexEnd
		pos = indexEnd
	}

	b.logger.WithField("recovered_chunks", len(b.chunkInfos)).
		WithField("resume_offset", lastGood).
		Warn("recovered index for unclean bag on append")
	return lastGood, nil
}

// recoverChunkInfo decompresses the chunk whose header record starts
// at chunkPos and derives its ChunkInfo and per-topic IndexEntry lists
// by replaying every record it contains. ok is false if the chunk's
// compressed payload does not decompress cleanly, signalling a torn
// write.
//
// The first message-data record the writer produced for a topic is
// preceded by a message-definition record (see writeRaw), and the
// IndexEntry for that message must point at the definition record, not
// the message-data record after it — exactly what the writer itself
// recorded at write time (writer.go:78 captures the offset before
// deciding whether to write the definition). Recovery has to rebuild
// that same convention from scratch, so message-definition records are
// not indexed on their own; they adjust the offset of the message-data
// record that follows, and a cleanly decoded chunk's definitions are
// added to topicInfos for topics not already known.
func (b *Bag) recoverChunkInfo(chunkPos int64) (ChunkInfo, map[string][]IndexEntry, bool, error) {
	buf, err := b.decompressedChunk(uint64(chunkPos))
	if err != nil {
		return ChunkInfo{}, nil, false, nil
	}

	ci := ChunkInfo{Pos: uint64(chunkPos), TopicCounts: map[string]uint32{}}
	topicIndexes := map[string][]IndexEntry{}

	r := bytes.NewReader(buf)
	first := true
	pendingDefOffset := -1
	defs := map[string]TopicInfo{}
	for r.Len() > 0 {
		recStart := len(buf) - r.Len()
		fields, data, err := recordio.DecodeRecord(r)
		if err != nil {
			return ChunkInfo{}, nil, false, nil
		}
		opB, err := recordio.CheckField(fields, recordio.FieldOp, 1, 1)
		if err != nil {
			return ChunkInfo{}, nil, false, nil
		}

		switch recordio.Op(opB[0]) {
		case recordio.OpMessageDefinition:
			def, err := recordio.DecodeMessageDefinition(fields)
			if err != nil {
				return ChunkInfo{}, nil, false, nil
			}
			defs[def.Topic] = TopicInfo{Topic: def.Topic, DataType: def.Type, MD5Sum: def.MD5, MessageDefinition: def.Def}
			pendingDefOffset = recStart
			continue
		case recordio.OpMessageData:
			md, err := recordio.DecodeMessageData(fields, data)
			if err != nil {
				return ChunkInfo{}, nil, false, nil
			}
			entryOffset := recStart
			if pendingDefOffset >= 0 {
				entryOffset = pendingDefOffset
				pendingDefOffset = -1
			}

			t := Time{Sec: md.Sec, Nsec: md.Nsec}
			if first {
				ci.StartTime, ci.EndTime = t, t
				first = false
			}
			ci.EndTime = maxTime(ci.EndTime, t)
			ci.TopicCounts[md.Topic]++
			topicIndexes[md.Topic] = append(topicIndexes[md.Topic], IndexEntry{Time: t, ChunkPos: uint64(chunkPos), Offset: uint32(entryOffset)})
		default:
			return ChunkInfo{}, nil, false, nil
		}
	}
	for topic, info := range defs {
		if _, ok := b.topicInfos[topic]; !ok {
			b.topicInfos[topic] = info
			b.topicCount++
		}
	}
	return ci, topicIndexes, true, nil
}

// recoverTrailingIndexData skips over the one index-data record per
// topic that follows a chunk, returning the offset right after the
// last one (where the next chunk, or EOF, begins). It returns -1 if
// any of those records is missing or malformed.
func (b *Bag) recoverTrailingIndexData(ci ChunkInfo, topicIndexes map[string][]IndexEntry) (int64, error) {
	pos, err := b.file.Offset()
	if err != nil {
		return -1, wrapIO(err, "offset")
	}
	for range ci.TopicCounts {
		if _, err := b.file.Seek(pos, ioutil.SeekStart); err != nil {
			return -1, wrapIO(err, "seek during index-data recovery")
		}
		fields, data, err := recordio.DecodeRecord(fileReader{b.file})
		if err != nil {
			return -1, nil
		}
		if _, _, err := recordio.DecodeIndexData(fields, data); err != nil {
			return -1, nil
		}
		next, err := b.file.Offset()
		if err != nil {
			return -1, wrapIO(err, "offset")
		}
		pos = next
	}
	return pos, nil
}
