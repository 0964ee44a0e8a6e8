package bagfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteProducesEquivalentBag(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.bag")
	dstPath := filepath.Join(dir, "dst.bag")

	w, err := Open(srcPath, ModeWrite, WithCompression(CompressionNone), WithChunkThreshold(8))
	require.NoError(t, err)
	require.NoError(t, w.Write("/a", Time{Sec: 1}, newFakeMessage("std_msgs/String", "one")))
	require.NoError(t, w.Write("/b", Time{Sec: 2}, newFakeMessage("std_msgs/String", "two")))
	require.NoError(t, w.Write("/a", Time{Sec: 3}, newFakeMessage("std_msgs/String", "three")))
	require.NoError(t, w.Close())

	require.NoError(t, Rewrite(srcPath, dstPath, WithCompression(CompressionNone)))

	r, err := Open(dstPath, ModeRead)
	require.NoError(t, err)
	defer r.Close()

	it, err := r.GetMessagesByTopic(nil, nil, nil)
	require.NoError(t, err)
	var topics []string
	var payloads []string
	for it.Next() {
		m := it.Message()
		topics = append(topics, m.Topic)
		payloads = append(payloads, string(m.Data))
	}
	require.NoError(t, it.Err())

	assert.Equal(t, []string{"/a", "/b", "/a"}, topics)
	assert.Equal(t, []string{"one", "two", "three"}, payloads)
	assert.Equal(t, 1, len(r.chunkInfos), "rewrite should compact back down toward one chunk for this small input")
}
