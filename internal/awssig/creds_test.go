package awssig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan(t *testing.T) {
	var foo, bar, baz string
	basespec := []scanspec{
		{prefix: "foo", dst: &foo},
		{prefix: "bar", dst: &bar},
		{prefix: "baz", dst: &baz},
	}
	text := strings.Join([]string{
		"[default]",
		"foo=foo_result",
		"ignore this line",
		"bar = bar_result",
		"baz= baz_result",
		"[section2]",
		"foo=section2_result",
	}, "\n")

	spec := make([]scanspec, len(basespec))
	copy(spec, basespec)
	require.NoError(t, scan(strings.NewReader(text), "default", spec))
	assert.Equal(t, "foo_result", foo)
	assert.Equal(t, "bar_result", bar)
	assert.Equal(t, "baz_result", baz)

	foo, bar, baz = "", "", ""
	copy(spec, basespec)
	require.NoError(t, scan(strings.NewReader(text), "section2", spec))
	assert.Equal(t, "section2_result", foo)
	assert.Equal(t, "", bar)
}

func TestAmbientCreds_FromEnvironment(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKID")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "SECRET")
	t.Setenv("AWS_REGION", "us-east-2")
	t.Setenv("AWS_SESSION_TOKEN", "TOKEN")

	id, secret, region, token, err := AmbientCreds()
	require.NoError(t, err)
	assert.Equal(t, "AKID", id)
	assert.Equal(t, "SECRET", secret)
	assert.Equal(t, "us-east-2", region)
	assert.Equal(t, "TOKEN", token)
}

func TestAmbientCreds_FromConfigFiles(t *testing.T) {
	home := t.TempDir()
	awsDir := filepath.Join(home, ".aws")
	require.NoError(t, os.MkdirAll(awsDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(awsDir, "config"),
		[]byte("[profile default]\nregion=eu-central-1\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(awsDir, "credentials"),
		[]byte("[default]\naws_access_key_id=AKID2\naws_secret_access_key=SECRET2\n"), 0600))

	t.Setenv("HOME", home)
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	t.Setenv("AWS_SESSION_TOKEN", "")

	id, secret, region, token, err := AmbientCreds()
	require.NoError(t, err)
	assert.Equal(t, "AKID2", id)
	assert.Equal(t, "SECRET2", secret)
	assert.Equal(t, "eu-central-1", region)
	assert.Equal(t, "", token)
}

func TestAmbientKey(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKID")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "SECRET")
	t.Setenv("AWS_REGION", "us-east-2")
	t.Setenv("AWS_SESSION_TOKEN", "")

	key, err := AmbientKey("s3", nil)
	require.NoError(t, err)
	assert.Equal(t, "AKID", key.AccessKey)
	assert.Equal(t, "us-east-2", key.Region)
	assert.Equal(t, "https://s3.us-east-2.amazonaws.com", key.BaseURI)
}

func TestAmbientKey_UnknownService(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKID")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "SECRET")
	t.Setenv("AWS_REGION", "us-east-2")

	_, err := AmbientKey("dynamodb", nil)
	assert.Error(t, err)
}

func TestS3EndPoint(t *testing.T) {
	t.Setenv("S3_ENDPOINT", "")
	assert.Equal(t, "https://s3.us-west-2.amazonaws.com", S3EndPoint("us-west-2"))

	t.Setenv("S3_ENDPOINT", "http://minio.local:9000/")
	assert.Equal(t, "http://minio.local:9000", S3EndPoint("us-west-2"))
}
