package objectstore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionosphere-io/logship/internal/awssig"
	"github.com/ionosphere-io/logship/internal/mocks3"
)

func newTestClient(t *testing.T, mock *mocks3.Server) *Client {
	t.Helper()
	key, err := awssig.DefaultDerive(mock.URL(), "AKID", "SECRET", "", "us-east-1", "s3")
	require.NoError(t, err)
	c, err := NewClient(key, "test-bucket")
	require.NoError(t, err)
	return c
}

func TestPutObject_SingleShot(t *testing.T) {
	mock := mocks3.New("test-bucket", "us-east-1")
	defer mock.Close()
	c := newTestClient(t, mock)

	body := []byte("hello world")
	err := c.PutObject("path/to/obj.log", bytes.NewReader(body), int64(len(body)), "host-a")
	require.NoError(t, err)

	got, ok := mock.Object("path/to/obj.log")
	require.True(t, ok)
	assert.Equal(t, body, got)
}

func TestPutObject_RetriesOnceOn500(t *testing.T) {
	mock := mocks3.New("test-bucket", "us-east-1")
	defer mock.Close()
	mock.SetErrors(mocks3.ErrorSimulation{FailPutObject: true})
	c := newTestClient(t, mock)

	body := []byte("retry me")
	err := c.PutObject("obj.log", bytes.NewReader(body), int64(len(body)), "host-a")
	require.NoError(t, err)

	got, ok := mock.Object("obj.log")
	require.True(t, ok)
	assert.Equal(t, body, got)
}

func TestMultipartUpload_CompleteSortsParts(t *testing.T) {
	mock := mocks3.New("test-bucket", "us-east-1")
	defer mock.Close()
	c := newTestClient(t, mock)

	mpu, err := c.CreateMultipartUpload("big.log", "host-a")
	require.NoError(t, err)

	require.NoError(t, mpu.UploadPart(2, []byte("second")))
	require.NoError(t, mpu.UploadPart(1, []byte("first-")))
	require.NoError(t, mpu.Complete())

	got, ok := mock.Object("big.log")
	require.True(t, ok)
	assert.Equal(t, "first-second", string(got))
}

func TestMultipartUpload_AbortRemovesSession(t *testing.T) {
	mock := mocks3.New("test-bucket", "us-east-1")
	defer mock.Close()
	c := newTestClient(t, mock)

	mpu, err := c.CreateMultipartUpload("abandoned.log", "host-a")
	require.NoError(t, err)
	require.NoError(t, mpu.UploadPart(1, []byte("partial")))
	require.NoError(t, mpu.Abort())

	// a second Abort must fail: the session no longer exists.
	assert.Error(t, mpu.Abort())
}

func TestBucketRegion_EUAlias(t *testing.T) {
	mock := mocks3.New("test-bucket", "EU")
	defer mock.Close()
	c := newTestClient(t, mock)

	region, err := c.BucketRegion()
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", region)
}

func TestBucketRegion_Empty(t *testing.T) {
	mock := mocks3.New("test-bucket", "")
	defer mock.Close()
	c := newTestClient(t, mock)

	region, err := c.BucketRegion()
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", region)
}

func TestBucketRegion_AccessDeniedIsError(t *testing.T) {
	mock := mocks3.New("test-bucket", "us-west-2")
	defer mock.Close()
	mock.SetErrors(mocks3.ErrorSimulation{FailBucketLocation: true, Persistent: true})
	c := newTestClient(t, mock)

	_, err := c.BucketRegion()
	assert.Error(t, err)
}

func TestValidBucket(t *testing.T) {
	assert.True(t, ValidBucket("my-bucket"))
	assert.True(t, ValidBucket("my.bucket.name"))
	assert.False(t, ValidBucket("x"))
	assert.False(t, ValidBucket("My-Bucket"))
	assert.False(t, ValidBucket("xn--bucket"))
	assert.False(t, ValidBucket("bucket-s3alias"))
}
