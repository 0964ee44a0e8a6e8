package ioutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.bag")
}

func TestRawReadWrite(t *testing.T) {
	path := tempFile(t)
	f, err := Open(path, os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)

	require.NoError(t, f.Write([]byte("hello world")))
	off, err := f.Offset()
	require.NoError(t, err)
	assert.EqualValues(t, 11, off)

	buf := make([]byte, 5)
	require.NoError(t, f.ReadAt(buf, 6))
	assert.Equal(t, "world", string(buf))
	require.NoError(t, f.Close())
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, kind := range []Compression{CompressionNone, CompressionBZ2, CompressionZlib} {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			path := tempFile(t)
			f, err := Open(path, os.O_RDWR|os.O_CREATE, 0644)
			require.NoError(t, err)

			payload := []byte("the quick brown fox jumps over the lazy dog, repeated many times. ")
			full := make([]byte, 0, len(payload)*50)
			for i := 0; i < 50; i++ {
				full = append(full, payload...)
			}

			require.NoError(t, f.EnableCompression(kind))
			require.NoError(t, f.Write(full))
			assert.EqualValues(t, len(full), f.CompressedBytesIn())
			require.NoError(t, f.DisableCompression())

			off, err := f.Offset()
			require.NoError(t, err)
			compressedSize := off - f.RawWritePos()

			compressed := make([]byte, compressedSize)
			require.NoError(t, f.ReadAt(compressed, f.RawWritePos()))

			dst := make([]byte, len(full))
			require.NoError(t, Decompress(kind, dst, compressed))
			assert.Equal(t, full, dst)

			require.NoError(t, f.Close())
		})
	}
}

func TestLockRejectsSecondWriter(t *testing.T) {
	path := tempFile(t)
	f1, err := Open(path, os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	require.NoError(t, Lock(f1.Fd()))

	f2, err := Open(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	assert.Error(t, Lock(f2.Fd()))

	require.NoError(t, Unlock(f1.Fd()))
	assert.NoError(t, Lock(f2.Fd()))
	require.NoError(t, Unlock(f2.Fd()))
	require.NoError(t, f1.Close())
	require.NoError(t, f2.Close())
}
