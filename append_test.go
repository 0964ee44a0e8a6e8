package bagfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemrobotics/bagfile/internal/recordio"
)

func TestAppendToCleanlyClosedBag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "append.bag")

	w, err := Open(path, ModeWrite, WithCompression(CompressionNone))
	require.NoError(t, err)
	require.NoError(t, w.Write("/a", Time{Sec: 1}, newFakeMessage("std_msgs/String", "one")))
	require.NoError(t, w.Close())

	a, err := Open(path, ModeAppend, WithCompression(CompressionNone))
	require.NoError(t, err)
	require.NoError(t, a.Write("/a", Time{Sec: 2}, newFakeMessage("std_msgs/String", "two")))
	require.NoError(t, a.Close())

	r, err := Open(path, ModeRead)
	require.NoError(t, err)
	defer r.Close()

	it, err := r.GetMessages(nil, nil)
	require.NoError(t, err)
	var secs []uint32
	for it.Next() {
		secs = append(secs, it.Message().Time.Sec)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []uint32{1, 2}, secs)
}

// simulateUncleanShutdown truncates a cleanly-closed bag's index
// region away and zeroes the file header's index_pos, reproducing
// what the file would look like if the writer's process had died
// after stopWritingChunk but before closeWrite ran.
func simulateUncleanShutdown(t *testing.T, path string) {
	t.Helper()

	r, err := Open(path, ModeRead)
	require.NoError(t, err)
	fileHeaderPos := r.fileHeaderPos
	indexPos := r.indexPos
	require.NoError(t, r.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Seek(fileHeaderPos, 0)
	require.NoError(t, err)
	fh := recordio.FileHeader{IndexPos: 0, TopicCount: 0, ChunkCount: 0}
	_, err = f.Write(fh.Encode())
	require.NoError(t, err)

	require.NoError(t, f.Truncate(int64(indexPos)))
}

func TestAppendRecoversFromUncleanShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unclean.bag")

	w, err := Open(path, ModeWrite, WithCompression(CompressionNone), WithChunkThreshold(4))
	require.NoError(t, err)
	require.NoError(t, w.Write("/a", Time{Sec: 1}, newFakeMessage("std_msgs/String", "one")))
	require.NoError(t, w.Write("/a", Time{Sec: 2}, newFakeMessage("std_msgs/String", "two")))
	require.NoError(t, w.Close())

	simulateUncleanShutdown(t, path)

	a, err := Open(path, ModeAppend, WithCompression(CompressionNone))
	require.NoError(t, err)
	require.NotEmpty(t, a.chunkInfos)
	require.NoError(t, a.Write("/a", Time{Sec: 3}, newFakeMessage("std_msgs/String", "three")))
	require.NoError(t, a.Close())

	r, err := Open(path, ModeRead)
	require.NoError(t, err)
	defer r.Close()

	it, err := r.GetMessages(nil, nil)
	require.NoError(t, err)
	var secs []uint32
	for it.Next() {
		secs = append(secs, it.Message().Time.Sec)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []uint32{1, 2, 3}, secs)
}
