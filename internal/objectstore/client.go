// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package objectstore implements the small slice of the S3 HTTP API
// that a log shipper needs to drive directly: single-shot PUT, the
// three-call multipart upload dance, and a bucket-location lookup.
// It intentionally does not implement listing, deletion, or reads;
// those concerns belong to a general-purpose client, not a shipper.
package objectstore

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ionosphere-io/logship/internal/awssig"
)

// DefaultClient is the default HTTP client used for requests made
// from this package.
var DefaultClient = http.Client{
	Transport: &http.Transport{
		ResponseHeaderTimeout: 60 * time.Second,
		// AWS creates many DNS entries for S3; raise the
		// per-host idle connection limit above the stdlib default of 2.
		MaxIdleConnsPerHost: 5,
		// Don't set Accept-Encoding: gzip, since the Go client
		// would then natively decompress gzipped uploads' responses.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout: 2 * time.Second,
		}).DialContext,
	},
}

// ErrInvalidBucket is returned from calls that use a bucket name
// that isn't valid according to the S3 naming rules.
var ErrInvalidBucket = errors.New("invalid bucket name")

func badBucket(name string) error {
	return fmt.Errorf("%w: %s", ErrInvalidBucket, name)
}

// ValidBucket reports whether bucket is a valid S3 bucket name.
// See https://docs.aws.amazon.com/AmazonS3/latest/userguide/bucketnamingrules.html
//
// Note: ValidBucket allows '.' characters only between other
// characters and never two in a row.
func ValidBucket(bucket string) bool {
	if len(bucket) < 3 || len(bucket) > 63 {
		return false
	}
	if strings.HasPrefix(bucket, "xn--") {
		return false
	}
	if strings.HasSuffix(bucket, "-s3alias") {
		return false
	}
	for i := 0; i < len(bucket); i++ {
		if bucket[i] >= 'a' && bucket[i] <= 'z' {
			continue
		}
		if bucket[i] >= '0' && bucket[i] <= '9' {
			continue
		}
		if i > 0 && i < len(bucket)-1 {
			if bucket[i] == '-' {
				continue
			}
			if bucket[i] == '.' && bucket[i-1] != '.' {
				continue
			}
		}
		return false
	}
	return true
}

// Client drives S3 HTTP requests for one bucket using a signing key.
type Client struct {
	Key    *awssig.SigningKey
	HTTP   *http.Client
	Bucket string

	scheme string
	host   string
}

// NewClient constructs a Client for bucket, validating the bucket
// name up front so every later call can assume it is well-formed.
func NewClient(key *awssig.SigningKey, bucket string) (*Client, error) {
	if !ValidBucket(bucket) {
		return nil, badBucket(bucket)
	}
	c := &Client{Key: key, Bucket: bucket}
	if key.BaseURI == "" {
		c.scheme = "https"
		c.host = "s3." + key.Region + ".amazonaws.com"
	} else {
		u, err := url.Parse(key.BaseURI)
		if err != nil {
			return nil, fmt.Errorf("objectstore: parsing base URI: %w", err)
		}
		c.scheme = u.Scheme
		c.host = u.Host
	}
	return c, nil
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &DefaultClient
}

// req builds a virtual-hosted-style (default AWS) or path-style
// (custom BaseURI, e.g. MinIO) request for the given object key.
func (c *Client) req(method, object, query string) *http.Request {
	u := url.URL{Scheme: c.scheme, RawQuery: query}
	if c.Key.BaseURI == "" {
		u.Path = "/" + object
		u.RawPath = "/" + almostPathEscape(object)
		u.Host = c.Bucket + "." + c.host
	} else {
		u.Path = "/" + c.Bucket + "/" + object
		u.RawPath = "/" + c.Bucket + "/" + almostPathEscape(object)
		u.Host = c.host
	}
	return &http.Request{Method: method, URL: &u, Header: make(http.Header)}
}

func almostPathEscape(s string) string {
	return strings.ReplaceAll(queryEscape(s), "%2F", "/")
}

func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// flakyDo retries a request exactly once on a transport error or a
// 500/503 response, provided the request body is replayable via
// req.GetBody. This is the only retry in the system; the shipper's
// own event loop never retries a failed upload.
func flakyDo(cl *http.Client, req *http.Request) (*http.Response, error) {
	hasBody := req.Body != nil
	res, err := cl.Do(req)
	if err == nil && res.StatusCode != 500 && res.StatusCode != 503 {
		return res, err
	}
	if hasBody && req.GetBody == nil {
		return res, err
	}
	if res != nil {
		res.Body.Close()
	}
	if hasBody {
		req.Body, err = req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("req.GetBody: %w", err)
		}
	}
	return cl.Do(req)
}

// extractMessage tries to extract the <Message/> field of an XML
// error response to improve error text.
func extractMessage(r io.Reader) string {
	rt := struct {
		Message string `xml:"Message"`
	}{}
	if xml.NewDecoder(r).Decode(&rt) == nil {
		return rt.Message
	}
	return "(no message)"
}
