package objectstore

import (
	"fmt"
	"io"
)

// serverSideEncryption and taggingFor are hard-coded per the
// shipper's original design (see SPEC_FULL.md §9); they are not exposed
// as configuration.
const serverSideEncryption = "AES256"

func taggingFor(hostID string) string {
	return "HostId=" + queryEscape(hostID)
}

// PutObject uploads body (exactly size bytes) as a single object.
// Used for segments at or below MaxPartSize.
func (c *Client) PutObject(object string, body io.Reader, size int64, hostID string) error {
	buf, err := io.ReadAll(io.LimitReader(body, size))
	if err != nil {
		return fmt.Errorf("objectstore.PutObject: reading body: %w", err)
	}
	if int64(len(buf)) != size {
		return fmt.Errorf("objectstore.PutObject: read %d bytes, expected %d", len(buf), size)
	}

	req := c.req("PUT", object, "")
	req.Header.Set("x-amz-server-side-encryption", serverSideEncryption)
	req.Header.Set("x-amz-tagging", taggingFor(hostID))
	c.Key.SignV4(req, buf)

	res, err := flakyDo(c.client(), req)
	if err != nil {
		return fmt.Errorf("objectstore.PutObject: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return fmt.Errorf("objectstore.PutObject: %s %q", res.Status, extractMessage(res.Body))
	}
	return nil
}
