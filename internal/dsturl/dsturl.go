// Package dsturl parses the shipper's destination URL argument,
// "s3://<bucket>/<path-template>". This is deliberately not built
// on net/url: the path half of the URL carries unescaped template
// braces ("{host_id}") that net/url.Parse would either reject or
// re-escape, and the required error text is specific to this format.
package dsturl

import (
	"errors"
	"strings"
)

const prefix = "s3://"

// Parse splits an s3:// destination URL into its bucket and path
// components.
func Parse(raw string) (bucket, path string, err error) {
	if !strings.HasPrefix(raw, prefix) {
		return "", "", errors.New("URL must begin with 's3://'")
	}
	rest := raw[len(prefix):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		if rest == "" {
			return "", "", errors.New("bucket/path cannot be empty")
		}
		return "", "", errors.New("path cannot be empty")
	}
	bucket = rest[:slash]
	path = rest[slash+1:]
	if bucket == "" {
		return "", "", errors.New("bucket/path cannot be empty")
	}
	if path == "" {
		return "", "", errors.New("path cannot be empty")
	}
	return bucket, path, nil
}
