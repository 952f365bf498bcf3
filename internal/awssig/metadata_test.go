package awssig

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withMetadataServer redirects requests to 169.254.169.254 to a
// local httptest server, since Metadata hard-codes the IMDS address.
func withMetadataServer(t *testing.T, handler http.HandlerFunc, fn func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	origClient := http.DefaultClient
	t.Cleanup(func() { http.DefaultClient = origClient })

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	dialer := &net.Dialer{}
	tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if strings.HasPrefix(addr, "169.254.169.254") {
			addr = u.Host
		}
		return dialer.DialContext(ctx, network, addr)
	}
	http.DefaultClient = &http.Client{Transport: tr}

	fn()
}

func TestMetadataString(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/latest/api/token":
			w.Write([]byte("tok"))
		case "/latest/meta-data/test":
			if r.Header.Get("X-Aws-Ec2-Metadata-Token") != "tok" {
				http.Error(w, "bad token", http.StatusForbidden)
				return
			}
			w.Write([]byte("value"))
		default:
			http.NotFound(w, r)
		}
	}

	withMetadataServer(t, handler, func() {
		val, err := MetadataString("test")
		assert.NoError(t, err)
		assert.Equal(t, "value", val)
	})
}

func TestEC2Region(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/latest/api/token":
			w.Write([]byte("tok"))
		case "/latest/meta-data/placement/availability-zone":
			w.Write([]byte("us-west-2b"))
		default:
			http.NotFound(w, r)
		}
	}

	withMetadataServer(t, handler, func() {
		region, err := ec2Region()
		assert.NoError(t, err)
		assert.Equal(t, "us-west-2", region)
	})
}

func ec2RoleMetadataHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/latest/api/token":
			w.Write([]byte("tok"))
		case "/latest/meta-data/placement/availability-zone":
			w.Write([]byte("eu-central-1a"))
		case "/latest/meta-data/iam/security-credentials/":
			w.Write([]byte("my-instance-role"))
		case "/latest/meta-data/iam/security-credentials/my-instance-role":
			w.Write([]byte(`{"AccessKeyId":"ROLEKEY","SecretAccessKey":"ROLESECRET","Token":"ROLETOKEN"}`))
		default:
			http.NotFound(w, r)
		}
	}
}

func TestEC2Role(t *testing.T) {
	withMetadataServer(t, ec2RoleMetadataHandler(), func() {
		key, err := EC2Role("s3", nil)
		require.NoError(t, err)
		assert.Equal(t, "ROLEKEY", key.AccessKey)
		assert.Equal(t, "ROLETOKEN", key.Token)
		assert.Equal(t, "eu-central-1", key.Region)
	})
}

func TestAmbientCreds_FallsBackToEC2Role(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	t.Setenv("AWS_SESSION_TOKEN", "")
	t.Setenv("HOME", t.TempDir())

	withMetadataServer(t, ec2RoleMetadataHandler(), func() {
		id, secret, region, token, err := AmbientCreds()
		require.NoError(t, err)
		assert.Equal(t, "ROLEKEY", id)
		assert.Equal(t, "ROLESECRET", secret)
		assert.Equal(t, "eu-central-1", region)
		assert.Equal(t, "ROLETOKEN", token)
	})
}
