package objectstore

import (
	"encoding/xml"
	"fmt"
	"sort"
	"sync"
)

// MaxPartSize is the largest segment size handled by PutObject;
// anything larger must go through the multipart path, and anything
// at or below it must not (S3 rejects non-final multipart parts
// smaller than 5MiB, and the shipper never needs parts that small
// since it always buffers more than that before sealing here).
const MaxPartSize = 10 << 20 // 10MiB

// Part is one uploaded piece of a multipart upload, addressed by
// its 1-based part number.
type Part struct {
	Number int64  `xml:"PartNumber"`
	ETag   string `xml:"ETag"`
}

// MultipartUpload tracks the state of one in-progress multipart
// upload session. It is not safe for concurrent use except where
// noted.
type MultipartUpload struct {
	client *Client
	object string
	hostID string
	id     string

	mu    sync.Mutex
	parts []Part
}

// CreateMultipartUpload begins a multipart upload session for object.
func (c *Client) CreateMultipartUpload(object, hostID string) (*MultipartUpload, error) {
	req := c.req("POST", object, "uploads=")
	req.Header.Set("x-amz-server-side-encryption", serverSideEncryption)
	req.Header.Set("x-amz-tagging", taggingFor(hostID))
	c.Key.SignV4(req, nil)

	res, err := flakyDo(c.client(), req)
	if err != nil {
		return nil, fmt.Errorf("objectstore.CreateMultipartUpload: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return nil, fmt.Errorf("objectstore.CreateMultipartUpload: %s %q", res.Status, extractMessage(res.Body))
	}
	rt := struct {
		Bucket string `xml:"Bucket"`
		Key    string `xml:"Key"`
		ID     string `xml:"UploadId"`
	}{}
	if err := xml.NewDecoder(res.Body).Decode(&rt); err != nil {
		return nil, fmt.Errorf("objectstore.CreateMultipartUpload: decoding response: %w", err)
	}
	if rt.ID == "" {
		return nil, fmt.Errorf("objectstore.CreateMultipartUpload: response missing UploadId")
	}
	return &MultipartUpload{client: c, object: object, hostID: hostID, id: rt.ID}, nil
}

// ID returns the upload session's UploadId.
func (m *MultipartUpload) ID() string { return m.id }

// UploadPart uploads one part. It is safe to call concurrently for
// distinct part numbers.
func (m *MultipartUpload) UploadPart(num int64, contents []byte) error {
	req := m.client.req("PUT", m.object, fmt.Sprintf("partNumber=%d&uploadId=%s", num, m.id))
	m.client.Key.SignV4(req, contents)

	res, err := flakyDo(m.client.client(), req)
	if err != nil {
		return fmt.Errorf("objectstore.UploadPart %d: %w", num, err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return fmt.Errorf("objectstore.UploadPart %d: %s %q", num, res.Status, extractMessage(res.Body))
	}
	etag := res.Header.Get("ETag")
	if etag == "" {
		return fmt.Errorf("objectstore.UploadPart %d: response missing ETag", num)
	}

	m.mu.Lock()
	m.parts = append(m.parts, Part{Number: num, ETag: etag})
	m.mu.Unlock()
	return nil
}

// Complete finalizes the multipart upload. Parts are sorted into
// ascending part-number order first, since S3 rejects a
// CompleteMultipartUpload whose parts are out of order.
func (m *MultipartUpload) Complete() error {
	m.mu.Lock()
	parts := make([]Part, len(m.parts))
	copy(parts, m.parts)
	m.mu.Unlock()

	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })

	req := m.client.req("POST", m.object, fmt.Sprintf("uploadId=%s", m.id))
	req.Header.Set("Content-Type", "application/xml")
	buf, err := xml.Marshal(&struct {
		XMLName xml.Name `xml:"CompleteMultipartUpload"`
		NS      string   `xml:"xmlns,attr"`
		Parts   []Part   `xml:"Part"`
	}{
		NS:    "http://s3.amazonaws.com/doc/2006-03-01/",
		Parts: parts,
	})
	if err != nil {
		return fmt.Errorf("objectstore.CompleteMultipartUpload: %w", err)
	}
	m.client.Key.SignV4(req, buf)

	res, err := flakyDo(m.client.client(), req)
	if err != nil {
		return fmt.Errorf("objectstore.CompleteMultipartUpload: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return fmt.Errorf("objectstore.CompleteMultipartUpload: %s %q", res.Status, extractMessage(res.Body))
	}

	// S3 can respond 200 with an <Error/> body; the XMLName
	// discriminates a genuine success from that case.
	rt := struct {
		XMLName xml.Name
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	}{}
	if err := xml.NewDecoder(res.Body).Decode(&rt); err != nil {
		return fmt.Errorf("objectstore.CompleteMultipartUpload: decoding response: %w", err)
	}
	switch rt.XMLName.Local {
	case "CompleteMultipartUploadResult":
		return nil
	case "Error":
		return fmt.Errorf("objectstore.CompleteMultipartUpload: %s %s", rt.Code, rt.Message)
	default:
		return fmt.Errorf("objectstore.CompleteMultipartUpload: unexpected response %s", rt.XMLName.Local)
	}
}

// Abort cancels the multipart upload session. Its own failure is
// never allowed to shadow an earlier, more important error; callers
// should log it and return the earlier error regardless.
func (m *MultipartUpload) Abort() error {
	req := m.client.req("DELETE", m.object, fmt.Sprintf("uploadId=%s", m.id))
	m.client.Key.SignV4(req, nil)

	res, err := m.client.client().Do(req)
	if err != nil {
		return fmt.Errorf("objectstore.AbortMultipartUpload: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 204 {
		return fmt.Errorf("objectstore.AbortMultipartUpload: %s %q", res.Status, extractMessage(res.Body))
	}
	return nil
}
