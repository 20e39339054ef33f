package offload

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/offload/assets"
)

func newAssetDir(t *testing.T, files map[string][]byte) *assets.Dir {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, content, 0o644))
	}
	dir, err := assets.NewDir(root)
	require.NoError(t, err)
	return dir
}

// countingFS wraps an FS and records opened and closed files.
type countingFS struct {
	assets.FS
	readErr error
	opened  int
	closed  int
}

func (c *countingFS) Open(rel string) (assets.File, error) {
	f, err := c.FS.Open(rel)
	if err != nil {
		return nil, err
	}
	c.opened++
	return &countingFile{File: f, fs: c}, nil
}

type countingFile struct {
	assets.File
	fs *countingFS
}

func (f *countingFile) ReadData() ([]byte, error) {
	if f.fs.readErr != nil {
		return nil, f.fs.readErr
	}
	return f.File.ReadData()
}

func (f *countingFile) Close() error {
	f.fs.closed++
	return f.File.Close()
}

func TestTensorBuffers_Prepare(t *testing.T) {
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3, 4, 0xff, 0xd9}
	fs := &countingFS{FS: newAssetDir(t, map[string][]byte{"images/orange.jpg": jpeg})}

	var b tensorBuffers
	req, err := b.prepare(ModeLocal, fs, "images/orange.jpg")
	require.NoError(t, err)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, ModeLocal, req.Mode)
	assert.Equal(t, len(jpeg), req.Size())
	assert.False(t, req.Released())

	require.Equal(t, 1, req.info.Count())
	spec, err := req.info.Spec(0)
	require.NoError(t, err)
	assert.Equal(t, "tensor", spec.Name)
	assert.Equal(t, []int{len(jpeg)}, spec.Dims)

	raw, err := req.Data().RawData(0)
	require.NoError(t, err)
	assert.Equal(t, jpeg, raw)
	assert.Equal(t, 1, b.outstanding())
}

// At most one request is live: building the next releases the previous.
func TestTensorBuffers_AtMostOneLive(t *testing.T) {
	fs := &countingFS{FS: newAssetDir(t, map[string][]byte{
		"a.jpg": []byte("first image"),
		"b.jpg": []byte("second image, longer"),
	})}

	var b tensorBuffers
	first, err := b.prepare(ModeLocal, fs, "a.jpg")
	require.NoError(t, err)
	firstData := first.Data()

	second, err := b.prepare(ModeOffloaded, fs, "b.jpg")
	require.NoError(t, err)

	assert.True(t, first.Released())
	assert.Nil(t, first.Data())
	assert.True(t, firstData.Disposed())
	assert.False(t, second.Released())
	assert.Equal(t, 1, b.outstanding())
	assert.Equal(t, 2, fs.opened)
	assert.Equal(t, 1, fs.closed)

	require.NoError(t, b.release())
	assert.True(t, second.Released())
	assert.Equal(t, 0, b.outstanding())
	assert.Equal(t, 2, fs.closed)

	// release is idempotent
	require.NoError(t, b.release())
	assert.Equal(t, 2, fs.closed)
}

func TestTensorBuffers_FailuresReleaseEverything(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		fs := &countingFS{FS: newAssetDir(t, nil)}
		var b tensorBuffers

		_, err := b.prepare(ModeLocal, fs, "missing.jpg")
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.Equal(t, 0, b.outstanding())
		assert.Nil(t, b.current)
	})

	t.Run("empty file", func(t *testing.T) {
		fs := &countingFS{FS: newAssetDir(t, map[string][]byte{"empty.jpg": {}})}
		var b tensorBuffers

		_, err := b.prepare(ModeLocal, fs, "empty.jpg")
		require.Error(t, err)
		assert.Equal(t, 1, fs.opened)
		assert.Equal(t, 1, fs.closed, "file closed on failure")
		assert.Equal(t, 0, b.outstanding())
	})

	t.Run("read error", func(t *testing.T) {
		readErr := errors.New("device unplugged")
		fs := &countingFS{
			FS:      newAssetDir(t, map[string][]byte{"a.jpg": []byte("x")}),
			readErr: readErr,
		}
		var b tensorBuffers

		_, err := b.prepare(ModeLocal, fs, "a.jpg")
		assert.ErrorIs(t, err, readErr)
		assert.Equal(t, 1, fs.closed)
		assert.Nil(t, b.current)
	})

	t.Run("previous request released even when next fails", func(t *testing.T) {
		fs := &countingFS{FS: newAssetDir(t, map[string][]byte{"a.jpg": []byte("x")})}
		var b tensorBuffers

		prev, err := b.prepare(ModeLocal, fs, "a.jpg")
		require.NoError(t, err)

		_, err = b.prepare(ModeLocal, fs, "missing.jpg")
		require.Error(t, err)
		assert.True(t, prev.Released())
		assert.Equal(t, 0, b.outstanding())
	})
}
