package bagfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "round-trip.bag")

	w, err := Open(path, ModeWrite)
	require.NoError(t, err)

	require.NoError(t, w.Write("/chatter", Time{Sec: 1}, newFakeMessage("std_msgs/String", "hello")))
	require.NoError(t, w.Write("/chatter", Time{Sec: 2}, newFakeMessage("std_msgs/String", "world")))
	require.NoError(t, w.Write("/odom", Time{Sec: 1, Nsec: 500}, newFakeMessage("nav_msgs/Odometry", "pose")))
	require.NoError(t, w.Close())

	r, err := Open(path, ModeRead)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 2, r.MajorVersion())
	assert.Len(t, r.topicInfos, 2)

	it, err := r.GetMessagesByTopic(nil, nil, nil)
	require.NoError(t, err)

	var got []Message
	for it.Next() {
		got = append(got, it.Message())
	}
	require.NoError(t, it.Err())
	require.Len(t, got, 3)

	assert.Equal(t, "/chatter", got[0].Topic)
	assert.Equal(t, "hello", string(got[0].Data))
	assert.Equal(t, "/odom", got[1].Topic)
	assert.Equal(t, "/chatter", got[2].Topic)
	assert.Equal(t, "world", string(got[2].Data))
}

func TestWriteSplitsChunksAtThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunked.bag")

	w, err := Open(path, ModeWrite, WithChunkThreshold(16), WithCompression(CompressionNone))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Write("/big", Time{Sec: uint32(i)}, newFakeMessage("std_msgs/String", "0123456789")))
	}
	require.NoError(t, w.Close())

	r, err := Open(path, ModeRead)
	require.NoError(t, err)
	defer r.Close()

	assert.Greater(t, len(r.chunkInfos), 1)

	it, err := r.GetMessagesByTopic([]string{"/big"}, nil, nil)
	require.NoError(t, err)
	count := 0
	var lastTime Time
	first := true
	for it.Next() {
		m := it.Message()
		if !first {
			assert.False(t, m.Time.Before(lastTime))
		}
		lastTime = m.Time
		first = false
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 10, count)
}

func TestGetMessagesIsGroupedNotGloballySorted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grouped.bag")

	w, err := Open(path, ModeWrite)
	require.NoError(t, err)
	require.NoError(t, w.Write("/b", Time{Sec: 1}, newFakeMessage("std_msgs/String", "b1")))
	require.NoError(t, w.Write("/a", Time{Sec: 2}, newFakeMessage("std_msgs/String", "a1")))
	require.NoError(t, w.Write("/b", Time{Sec: 3}, newFakeMessage("std_msgs/String", "b2")))
	require.NoError(t, w.Write("/a", Time{Sec: 4}, newFakeMessage("std_msgs/String", "a2")))
	require.NoError(t, w.Close())

	r, err := Open(path, ModeRead)
	require.NoError(t, err)
	defer r.Close()

	it, err := r.GetMessages(nil, nil)
	require.NoError(t, err)

	var topics []string
	var payloads []string
	for it.Next() {
		m := it.Message()
		topics = append(topics, m.Topic)
		payloads = append(payloads, string(m.Data))
	}
	require.NoError(t, it.Err())

	// Grouped by topic in lexical order ("/a" before "/b"), each
	// topic's own messages in time order — not merged by time across
	// topics the way GetMessagesByTopic would yield them.
	assert.Equal(t, []string{"/a", "/a", "/b", "/b"}, topics)
	assert.Equal(t, []string{"a1", "a2", "b1", "b2"}, payloads)
}

func TestGetMessagesTimeWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "window.bag")

	w, err := Open(path, ModeWrite)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		require.NoError(t, w.Write("/t", Time{Sec: uint32(i)}, newFakeMessage("std_msgs/String", "x")))
	}
	require.NoError(t, w.Close())

	r, err := Open(path, ModeRead)
	require.NoError(t, err)
	defer r.Close()

	start, end := Time{Sec: 2}, Time{Sec: 4}
	it, err := r.GetMessages(&start, &end)
	require.NoError(t, err)

	var secs []uint32
	for it.Next() {
		secs = append(secs, it.Message().Time.Sec)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []uint32{2, 3, 4}, secs)
}
