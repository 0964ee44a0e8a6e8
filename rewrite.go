package bagfile

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Rewrite reads every message in the bag at srcPath, in time order
// across all topics, and writes a fresh copy to dstPath with a
// compacted index (spec §5 "Rewrite"). It is the engine's answer to
// "defragment a bag that has been appended to many times": the output
// has exactly one index region and no history of intermediate closes.
//
// The new file is built under a unique temporary name alongside
// dstPath and atomically renamed into place on success, so a reader
// racing the rewrite never observes a partial file.
func Rewrite(srcPath, dstPath string, opts ...Option) error {
	src, err := Open(srcPath, ModeRead)
	if err != nil {
		return errors.Wrap(err, "bagfile: rewrite: open source")
	}
	defer src.Close()

	tmpPath := fmt.Sprintf("%s.%s.active", dstPath, uuid.New().String())
	dst, err := Open(tmpPath, ModeWrite, opts...)
	if err != nil {
		return errors.Wrap(err, "bagfile: rewrite: open destination")
	}

	if err := rewriteInto(src, dst); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "bagfile: rewrite: close destination")
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "bagfile: rewrite: rename into place")
	}
	return nil
}

func rewriteInto(src, dst *Bag) error {
	it, err := src.GetMessagesByTopic(nil, nil, nil)
	if err != nil {
		return errors.Wrap(err, "bagfile: rewrite: open merge iterator")
	}

	src.mu.Lock()
	topicInfos := make(map[string]TopicInfo, len(src.topicInfos))
	for topic, info := range src.topicInfos {
		topicInfos[topic] = info
	}
	src.mu.Unlock()

	for it.Next() {
		m := it.Message()

		dst.mu.Lock()
		info, needsDefWritten := dst.topicInfoForRaw(m.Topic, topicInfos[m.Topic])
		err := dst.writeRaw(m.Topic, m.Time, info, needsDefWritten, m.Data, m.Latching, m.CallerID)
		dst.mu.Unlock()
		if err != nil {
			return errors.Wrap(err, "bagfile: rewrite: write message")
		}
	}
	if err := it.Err(); err != nil {
		return errors.Wrap(err, "bagfile: rewrite: read message")
	}
	return nil
}
