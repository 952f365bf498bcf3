// Package segment implements the buffering and dispatch engine: the
// Segment writer (a temp file, plain or gzip-wrapped), the Task Set
// that tracks in-flight uploads without ever terminating, and the
// Event Loop that ties reading, sealing, and dispatch together.
package segment

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// sink is the tagged-union capability a Segment writes through: a
// plain file, or a gzip encoder wrapping one. Two concrete types
// implement it rather than unifying through embedding, since the
// compressed variant needs an explicit finalize step the plain one
// does not.
type sink interface {
	Write(p []byte) (int, error)
	// finalize flushes any buffered bytes and returns the
	// underlying file so its true on-disk size can be measured.
	finalize() (*os.File, error)
}

type plainSink struct{ f *os.File }

func (s *plainSink) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s *plainSink) finalize() (*os.File, error)  { return s.f, nil }

type gzipSink struct {
	f  *os.File
	gz *gzip.Writer
}

func (s *gzipSink) Write(p []byte) (int, error) { return s.gz.Write(p) }

func (s *gzipSink) finalize() (*os.File, error) {
	if err := s.gz.Close(); err != nil {
		return nil, fmt.Errorf("segment: flushing gzip encoder: %w", err)
	}
	return s.f, nil
}

// Segment is one buffered unit of input, backed by a uniquely-named
// temp file. Writes accumulate the uncompressed byte count even
// when the underlying sink compresses on the way to disk, since
// max_size is always evaluated against uncompressed bytes.
type Segment struct {
	TempPath string

	sink             sink
	file             *os.File
	uncompressedSize int64
	lastReportedSize int64
}

// SizeReportInterval is how often (in uncompressed bytes) the
// segment's running size is surfaced for debug logging.
const SizeReportInterval = 10 << 20 // 10MiB

// New creates a fresh, uniquely-named temp file inside dir, open
// for read+write, and wraps it in a gzip encoder when compress is
// true.
func New(dir string, compress bool) (*Segment, error) {
	f, err := os.CreateTemp(dir, "logship-segment-*")
	if err != nil {
		return nil, fmt.Errorf("segment: creating temp file: %w", err)
	}
	seg := &Segment{TempPath: f.Name(), file: f}
	if compress {
		seg.sink = &gzipSink{f: f, gz: gzip.NewWriter(f)}
	} else {
		seg.sink = &plainSink{f: f}
	}
	return seg, nil
}

// Write appends p to the segment, returning whether this was the
// segment's first successful write (the Event Loop uses this to
// arm the seal deadline) and whether a new 10MiB size-reporting
// boundary was crossed.
func (s *Segment) Write(p []byte) (firstWrite, crossedReportBoundary bool, err error) {
	firstWrite = s.uncompressedSize == 0
	n, err := s.sink.Write(p)
	s.uncompressedSize += int64(n)
	if err != nil {
		return firstWrite, false, fmt.Errorf("segment: writing to %s: %w", s.TempPath, err)
	}
	if s.uncompressedSize-s.lastReportedSize >= SizeReportInterval {
		s.lastReportedSize -= s.lastReportedSize % SizeReportInterval
		s.lastReportedSize += SizeReportInterval
		crossedReportBoundary = true
	}
	return firstWrite, crossedReportBoundary, nil
}

// UncompressedSize returns the running count of uncompressed bytes
// written so far.
func (s *Segment) UncompressedSize() int64 { return s.uncompressedSize }

// Finalize flushes and shuts down any compression in use, then
// seeks the underlying file to measure its true on-disk size and
// rewinds it so it is ready to be read back for upload.
func (s *Segment) Finalize() (f *os.File, size int64, err error) {
	f, err = s.sink.finalize()
	if err != nil {
		return nil, 0, err
	}
	size, err = f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, fmt.Errorf("segment: seeking to end of %s: %w", s.TempPath, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("segment: seeking to start of %s: %w", s.TempPath, err)
	}
	return f, size, nil
}

// Release closes and removes the segment's temp file. It is safe
// to call after Finalize, and must be called exactly once per
// Segment regardless of upload outcome.
func (s *Segment) Release() {
	s.file.Close()
	os.Remove(s.TempPath)
}
