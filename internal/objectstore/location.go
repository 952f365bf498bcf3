package objectstore

import (
	"encoding/xml"
	"fmt"
	"net/http"
)

// BucketRegion returns the region associated with bucket, by
// issuing a GetBucketLocation request.
//
// S3's GetBucketLocation response is deliberately quirky and this
// preserves the quirks rather than normalizing them away:
//   - an empty or "null" response body means "us-east-1" (S3's
//     original region predates the LocationConstraint element)
//   - a response of "EU" means "eu-west-1" (a legacy alias S3 still
//     returns for buckets created before regional naming settled)
//   - any other non-empty string is used as the literal region name
//
// Any non-200 response, including a 403, is a hard error: the caller
// must not proceed against a bucket whose region it could not verify.
func (c *Client) BucketRegion() (string, error) {
	req, err := http.NewRequest(http.MethodGet, rawURI(c, "?location="), nil)
	if err != nil {
		return "", err
	}
	c.Key.SignV4(req, nil)

	res, err := flakyDo(c.client(), req)
	if err != nil {
		return "", fmt.Errorf("objectstore.BucketRegion: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return "", fmt.Errorf("objectstore.BucketRegion: %s %q", res.Status, extractMessage(res.Body))
	}
	var loc string
	if err := xml.NewDecoder(res.Body).Decode(&loc); err != nil {
		return "", fmt.Errorf("objectstore.BucketRegion: decoding response: %w", err)
	}
	switch loc {
	case "", "null":
		return "us-east-1", nil
	case "EU":
		return "eu-west-1", nil
	default:
		return loc, nil
	}
}

// rawURI produces the (virtual-hosted or path-style) URI for a
// bucket-level request with a pre-escaped query string.
func rawURI(c *Client, query string) string {
	if c.Key.BaseURI != "" {
		return c.Key.BaseURI + "/" + c.Bucket + "/" + query
	}
	return c.scheme + "://" + c.Bucket + "." + c.host + "/" + query
}
