// Package mocks3 provides an in-process mock of the slice of the S3
// HTTP API the shipper actually drives: PutObject, the three-call
// multipart dance, and GetBucketLocation. It exists for internal/
// objectstore and internal/upload tests and deliberately omits
// listing, range reads, and S3 Select, none of which a write-only
// shipper ever calls.
package mocks3

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Server is a mock S3 endpoint for a single bucket.
type Server struct {
	server *httptest.Server
	bucket string
	region string

	mu       sync.Mutex
	objects  map[string][]byte
	uploads  map[string]*multipartUpload
	requests []RequestLog
	errors   ErrorSimulation
}

type multipartUpload struct {
	key   string
	parts map[int64][]byte
}

// RequestLog captures one request the mock observed, for assertions
// about what the client under test actually sent.
type RequestLog struct {
	Method string
	Path   string
	Query  string
	Header http.Header
}

// ErrorSimulation lets a test inject failures into specific calls.
type ErrorSimulation struct {
	// FailPutObject, when true, makes every PutObject request fail
	// with a 500 once; flakyDo's single retry then succeeds unless
	// Persistent is also set.
	FailPutObject bool
	// FailPart, when non-zero, makes UploadPart for that part
	// number return a 500 once, or on every attempt when Persistent
	// is also set.
	FailPart int64
	// FailComplete makes CompleteMultipartUpload return a 500.
	FailComplete bool
	// FailBucketLocation makes GetBucketLocation return a 403.
	FailBucketLocation bool
	// Persistent disables the "succeeds on retry" behavior above,
	// so the configured failure always happens.
	Persistent bool
}

// New starts a mock server for bucket in region.
func New(bucket, region string) *Server {
	s := &Server{
		bucket:  bucket,
		region:  region,
		objects: make(map[string][]byte),
		uploads: make(map[string]*multipartUpload),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	return s
}

// URL returns the mock's base URL, suitable as an objectstore
// SigningKey.BaseURI.
func (s *Server) URL() string { return s.server.URL }

// Close shuts the mock down.
func (s *Server) Close() { s.server.Close() }

// SetErrors configures the failures the next requests should hit.
func (s *Server) SetErrors(e ErrorSimulation) {
	s.mu.Lock()
	s.errors = e
	s.mu.Unlock()
}

// Object returns the stored content for key, if any.
func (s *Server) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}

// Requests returns every request the mock has observed so far.
func (s *Server) Requests() []RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RequestLog, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.logRequest(r)

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	var bucket, key string
	bucket = parts[0]
	if len(parts) > 1 {
		key = parts[1]
	}
	// Virtual-hosted-style requests carry the bucket in the Host
	// header instead of the path; path-style carries it as above.
	if host := strings.SplitN(r.Host, ".", 2); len(host) == 2 && host[0] == s.bucket {
		key = strings.TrimPrefix(r.URL.Path, "/")
		bucket = s.bucket
	}
	if bucket != s.bucket {
		s.writeError(w, "NoSuchBucket", "The specified bucket does not exist", http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	switch {
	case r.URL.RawQuery == "location" || query.Has("location"):
		s.handleBucketLocation(w)
	case r.Method == http.MethodPut && query.Has("partNumber") && query.Has("uploadId"):
		s.handleUploadPart(w, r, key, query)
	case r.Method == http.MethodPut:
		s.handlePutObject(w, r, key)
	case r.Method == http.MethodPost && query.Has("uploads"):
		s.handleCreateMultipartUpload(w, key)
	case r.Method == http.MethodPost && query.Has("uploadId"):
		s.handleCompleteMultipartUpload(w, r, key, query)
	case r.Method == http.MethodDelete && query.Has("uploadId"):
		s.handleAbortMultipartUpload(w, key, query)
	default:
		s.writeError(w, "MethodNotAllowed", "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) logRequest(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, RequestLog{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	xml.NewEncoder(w).Encode(&struct {
		XMLName xml.Name `xml:"Error"`
		Code    string   `xml:"Code"`
		Message string   `xml:"Message"`
	}{Code: code, Message: message})
}

func etag(content []byte) string {
	sum := md5.Sum(content)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, key string) {
	if s.consumeFailure(func(e *ErrorSimulation) bool { return e.FailPutObject }) {
		s.writeError(w, "InternalError", "simulated failure", http.StatusInternalServerError)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, "InternalError", err.Error(), http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	s.objects[key] = body
	s.mu.Unlock()
	w.Header().Set("ETag", etag(body))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBucketLocation(w http.ResponseWriter) {
	if s.consumeFailure(func(e *ErrorSimulation) bool { return e.FailBucketLocation }) {
		s.writeError(w, "AccessDenied", "simulated failure", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	xml.NewEncoder(w).Encode(&struct {
		XMLName xml.Name `xml:"LocationConstraint"`
		Value   string   `xml:",chardata"`
	}{Value: s.region})
}

func (s *Server) handleCreateMultipartUpload(w http.ResponseWriter, key string) {
	id := generateUploadID()
	s.mu.Lock()
	s.uploads[id] = &multipartUpload{key: key, parts: make(map[int64][]byte)}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	xml.NewEncoder(w).Encode(&struct {
		XMLName xml.Name `xml:"InitiateMultipartUploadResult"`
		Bucket  string   `xml:"Bucket"`
		Key     string   `xml:"Key"`
		ID      string   `xml:"UploadId"`
	}{Bucket: s.bucket, Key: key, ID: id})
}

func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request, key string, query map[string][]string) {
	num, err := strconv.ParseInt(query["partNumber"][0], 10, 64)
	if err != nil {
		s.writeError(w, "InvalidArgument", "bad partNumber", http.StatusBadRequest)
		return
	}
	if s.consumeFailure(func(e *ErrorSimulation) bool { return e.FailPart == num }) {
		s.writeError(w, "InternalError", "simulated failure", http.StatusInternalServerError)
		return
	}

	uploadID := query["uploadId"][0]
	s.mu.Lock()
	up, ok := s.uploads[uploadID]
	s.mu.Unlock()
	if !ok {
		s.writeError(w, "NoSuchUpload", "no such upload", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, "InternalError", err.Error(), http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	up.parts[num] = body
	s.mu.Unlock()

	w.Header().Set("ETag", etag(body))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCompleteMultipartUpload(w http.ResponseWriter, r *http.Request, key string, query map[string][]string) {
	if s.consumeFailure(func(e *ErrorSimulation) bool { return e.FailComplete }) {
		s.writeError(w, "InternalError", "simulated failure", http.StatusInternalServerError)
		return
	}

	uploadID := query["uploadId"][0]
	s.mu.Lock()
	up, ok := s.uploads[uploadID]
	s.mu.Unlock()
	if !ok {
		s.writeError(w, "NoSuchUpload", "no such upload", http.StatusNotFound)
		return
	}
	io.Copy(io.Discard, r.Body)

	nums := make([]int64, 0, len(up.parts))
	for n := range up.parts {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	var buf bytes.Buffer
	for _, n := range nums {
		buf.Write(up.parts[n])
	}

	s.mu.Lock()
	s.objects[key] = buf.Bytes()
	delete(s.uploads, uploadID)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	xml.NewEncoder(w).Encode(&struct {
		XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
		Bucket  string   `xml:"Bucket"`
		Key     string   `xml:"Key"`
		ETag    string   `xml:"ETag"`
	}{Bucket: s.bucket, Key: key, ETag: etag(buf.Bytes())})
}

func (s *Server) handleAbortMultipartUpload(w http.ResponseWriter, key string, query map[string][]string) {
	uploadID := query["uploadId"][0]
	s.mu.Lock()
	_, ok := s.uploads[uploadID]
	delete(s.uploads, uploadID)
	s.mu.Unlock()
	if !ok {
		s.writeError(w, "NoSuchUpload", "no such upload", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// consumeFailure reports whether the configured ErrorSimulation
// calls for failing this request, clearing the flag afterward
// unless Persistent is set, so a single-retry client (flakyDo) can
// be exercised succeeding on its second attempt.
func (s *Server) consumeFailure(match func(*ErrorSimulation) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !match(&s.errors) {
		return false
	}
	if !s.errors.Persistent {
		s.errors = ErrorSimulation{}
	}
	return true
}

func generateUploadID() string {
	return uuid.NewString()
}
