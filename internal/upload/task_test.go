package upload

import (
	"crypto/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionosphere-io/logship/internal/awssig"
	"github.com/ionosphere-io/logship/internal/mocks3"
	"github.com/ionosphere-io/logship/internal/objectstore"
)

func newTestClient(t *testing.T, mock *mocks3.Server) *objectstore.Client {
	t.Helper()
	key, err := awssig.DefaultDerive(mock.URL(), "AKID", "SECRET", "", "us-east-1", "s3")
	require.NoError(t, err)
	c, err := objectstore.NewClient(key, "test-bucket")
	require.NoError(t, err)
	return c
}

func writeTempFile(t *testing.T, size int64) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "upload-task-*")
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, size)
	_, err = rand.Read(buf)
	require.NoError(t, err)
	_, err = f.Write(buf)
	require.NoError(t, err)
	return f.Name()
}

func TestTask_SingleShot(t *testing.T) {
	mock := mocks3.New("test-bucket", "us-east-1")
	defer mock.Close()

	path := writeTempFile(t, 1024)
	task := &Task{Client: newTestClient(t, mock), Path: path, Size: 1024, Object: "small.log", HostID: "host-a"}
	require.NoError(t, task.Run())

	got, ok := mock.Object("small.log")
	require.True(t, ok)
	assert.Len(t, got, 1024)
}

func TestTask_Multipart_PartCoverage(t *testing.T) {
	mock := mocks3.New("test-bucket", "us-east-1")
	defer mock.Close()

	size := int64(objectstore.MaxPartSize) + 1
	path := writeTempFile(t, size)
	task := &Task{Client: newTestClient(t, mock), Path: path, Size: size, Object: "big.log", HostID: "host-a", Concurrency: 4}
	require.NoError(t, task.Run())

	got, ok := mock.Object("big.log")
	require.True(t, ok)
	assert.Len(t, got, int(size))
}

func TestTask_Multipart_PartFailureSkipsComplete(t *testing.T) {
	mock := mocks3.New("test-bucket", "us-east-1")
	defer mock.Close()
	mock.SetErrors(mocks3.ErrorSimulation{FailPart: 2, Persistent: true})

	size := int64(objectstore.MaxPartSize)*2 + 1
	path := writeTempFile(t, size)
	task := &Task{Client: newTestClient(t, mock), Path: path, Size: size, Object: "fails.log", HostID: "host-a", Concurrency: 4}

	err := task.Run()
	assert.Error(t, err)

	_, ok := mock.Object("fails.log")
	assert.False(t, ok, "a failed part must never be committed")
}

func TestPartsFor_Boundaries(t *testing.T) {
	one := partsFor(1)
	require.Len(t, one, 1)
	assert.Equal(t, int64(0), one[0].start)
	assert.Equal(t, int64(1), one[0].end)

	exact := partsFor(objectstore.MaxPartSize)
	require.Len(t, exact, 1)

	plusOne := partsFor(objectstore.MaxPartSize + 1)
	require.Len(t, plusOne, 2)
	assert.Equal(t, int64(objectstore.MaxPartSize), plusOne[0].end-plusOne[0].start)
	assert.Equal(t, int64(1), plusOne[1].end-plusOne[1].start)
}
