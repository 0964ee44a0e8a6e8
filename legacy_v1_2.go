package bagfile

import (
	"errors"
	"io"

	pkgerrors "github.com/pkg/errors"

	"github.com/tandemrobotics/bagfile/internal/ioutil"
	"github.com/tandemrobotics/bagfile/internal/recordio"
)

// legacyMessageRecord is a 1.2-era message-data record: unlike the
// current format, the connection header (md5/type/def/callerid) rides
// on every message record instead of living in a separate
// message-definition record up front (spec §4.5.1).
type legacyMessageRecord struct {
	Topic, MD5, Type, Def, CallerID string
	Sec, Nsec                       uint32
	Latching                        bool
	Data                            []byte
}

func decodeLegacyMessageData(fields recordio.Fields, data []byte) (legacyMessageRecord, error) {
	topic, err := recordio.ReadField(fields, recordio.FieldTopic)
	if err != nil {
		return legacyMessageRecord{}, err
	}
	md5, err := recordio.ReadField(fields, recordio.FieldMD5)
	if err != nil {
		return legacyMessageRecord{}, err
	}
	typ, err := recordio.ReadField(fields, recordio.FieldType)
	if err != nil {
		return legacyMessageRecord{}, err
	}
	def, err := recordio.ReadField(fields, recordio.FieldDef)
	if err != nil {
		return legacyMessageRecord{}, err
	}
	timeB, err := recordio.CheckField(fields, recordio.FieldTime, 8, 8)
	if err != nil {
		return legacyMessageRecord{}, err
	}
	packed, _ := recordio.GetUint64(timeB)
	sec, nsec := recordio.UnpackTime(packed)

	rec := legacyMessageRecord{
		Topic: string(topic), MD5: string(md5), Type: string(typ), Def: string(def),
		Sec: sec, Nsec: nsec, Data: data,
	}
	if lb, ok := fields[recordio.FieldLatching]; ok {
		rec.Latching = string(lb) == "1"
	}
	if cb, ok := fields[recordio.FieldCallerID]; ok {
		rec.CallerID = string(cb)
	}
	return rec, nil
}

// openReadLegacy implements the 1.2 read path (spec §4.5.1): there is
// no file header or chunk structure. Message-data records stream
// directly after the version line, each carrying its own connection
// header, and every topic's (sec, nsec, pos) index trails at the end
// of the file as version-0 index-data records, one per topic.
func (b *Bag) openReadLegacy() error {
	b.legacy = true
	for {
		pos, err := b.file.Offset()
		if err != nil {
			return wrapIO(err, "offset")
		}
		fields, data, err := recordio.DecodeRecord(fileReader{b.file})
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return wrapFormat(err, "read record")
		}

		op := fields[recordio.FieldOp]
		if len(op) != 1 {
			return pkgerrors.Wrap(ErrFormat, "missing op field")
		}

		switch recordio.Op(op[0]) {
		case recordio.OpMessageData:
			rec, err := decodeLegacyMessageData(fields, data)
			if err != nil {
				return wrapFormat(err, "decode legacy message-data")
			}
			if _, ok := b.topicInfos[rec.Topic]; !ok {
				b.topicInfos[rec.Topic] = TopicInfo{
					Topic: rec.Topic, DataType: rec.Type, MD5Sum: rec.MD5, MessageDefinition: rec.Def,
				}
				b.topicCount++
			}
		case recordio.OpIndexData:
			_, legacyEntries, err := recordio.DecodeIndexData(fields, data)
			if err != nil {
				return wrapFormat(err, "decode legacy index-data")
			}
			topicB, err := recordio.ReadField(fields, recordio.FieldTopic)
			if err != nil {
				return wrapFormat(err, "read index-data topic")
			}
			topic := string(topicB)
			for _, e := range legacyEntries {
				b.topicIndexes[topic] = append(b.topicIndexes[topic], IndexEntry{
					Time:     Time{Sec: e.Sec, Nsec: e.Nsec},
					ChunkPos: e.Pos,
					Offset:   0,
				})
			}
		default:
			return pkgerrors.Wrapf(ErrFormat, "unexpected legacy record op %#x at offset %d", op[0], pos)
		}
	}
}

// fetchLegacy reads the message-data record at an absolute file
// position (a legacy IndexEntry's ChunkPos, which in 1.2 bags holds a
// file offset rather than a chunk offset).
func (b *Bag) fetchLegacy(pos uint64) (recordio.MessageData, error) {
	if _, err := b.file.Seek(int64(pos), ioutil.SeekStart); err != nil {
		return recordio.MessageData{}, wrapIO(err, "seek to legacy record")
	}
	fields, data, err := recordio.DecodeRecord(fileReader{b.file})
	if err != nil {
		return recordio.MessageData{}, wrapFormat(err, "read legacy message-data")
	}
	rec, err := decodeLegacyMessageData(fields, data)
	if err != nil {
		return recordio.MessageData{}, wrapFormat(err, "decode legacy message-data")
	}
	return recordio.MessageData{
		Topic: rec.Topic, Sec: rec.Sec, Nsec: rec.Nsec,
		Latching: rec.Latching, CallerID: rec.CallerID, Data: rec.Data,
	}, nil
}
