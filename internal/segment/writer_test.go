package segment

import (
	"compress/gzip"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegment_WritePlain(t *testing.T) {
	dir := t.TempDir()
	seg, err := New(dir, false)
	require.NoError(t, err)

	first, _, err := seg.Write([]byte("hello "))
	require.NoError(t, err)
	assert.True(t, first)

	first, _, err = seg.Write([]byte("world"))
	require.NoError(t, err)
	assert.False(t, first)

	assert.Equal(t, int64(11), seg.UncompressedSize())

	f, size, err := seg.Finalize()
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	seg.Release()
	_, statErr := os.Stat(seg.TempPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSegment_WriteGzip(t *testing.T) {
	dir := t.TempDir()
	seg, err := New(dir, true)
	require.NoError(t, err)

	payload := []byte("the quick brown fox jumps over the lazy dog, repeated, repeated, repeated")
	_, _, err = seg.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), seg.UncompressedSize())

	f, size, err := seg.Finalize()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	decompressed, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, payload, decompressed)

	seg.Release()
}

func TestSegment_SizeReportBoundary(t *testing.T) {
	dir := t.TempDir()
	seg, err := New(dir, false)
	require.NoError(t, err)
	defer seg.Release()

	chunk := make([]byte, SizeReportInterval-1)
	_, reported, err := seg.Write(chunk)
	require.NoError(t, err)
	assert.False(t, reported)

	_, reported, err = seg.Write([]byte{0})
	require.NoError(t, err)
	assert.True(t, reported)
}

func TestSegment_ReleaseAfterFinalizeRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	seg, err := New(dir, false)
	require.NoError(t, err)

	_, _, err = seg.Write([]byte("data"))
	require.NoError(t, err)

	_, _, err = seg.Finalize()
	require.NoError(t, err)

	seg.Release()
	_, statErr := os.Stat(seg.TempPath)
	assert.True(t, os.IsNotExist(statErr))
}
