// Package upload implements the Upload Task: given a finalized
// segment file on disk, it decides between a single-shot PutObject
// and a multipart upload, and carries out whichever is chosen
// against an objectstore.Client.
package upload

import (
	"fmt"
	"log"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ionosphere-io/logship/internal/objectstore"
)

// Task describes one sealed segment ready to ship.
type Task struct {
	Client *objectstore.Client
	Path   string
	Size   int64
	Object string
	HostID string

	// Concurrency bounds how many parts are in flight at once for
	// a multipart upload. Zero means unbounded.
	Concurrency int
}

// Run carries out the upload, choosing single-shot or multipart by
// size alone, and returns the single error that should be reported
// for the task as a whole.
func (t *Task) Run() error {
	f, err := os.Open(t.Path)
	if err != nil {
		return fmt.Errorf("upload: opening %s: %w", t.Path, err)
	}
	defer f.Close()

	if t.Size <= objectstore.MaxPartSize {
		return t.Client.PutObject(t.Object, f, t.Size, t.HostID)
	}
	return t.runMultipart(f)
}

// part is one half-open [start, end) byte range of the segment file,
// addressed by its 1-based S3 part number.
type part struct {
	number     int64
	start, end int64
}

func partsFor(size int64) []part {
	var parts []part
	num := int64(1)
	for start := int64(0); start < size; start += objectstore.MaxPartSize {
		end := start + objectstore.MaxPartSize
		if end > size {
			end = size
		}
		parts = append(parts, part{number: num, start: start, end: end})
		num++
	}
	return parts
}

// runMultipart uploads f's contents in MaxPartSize-sized parts,
// concurrently, then commits or aborts the session.
//
// Among part failures, the most recently observed error is kept;
// CompleteMultipartUpload is attempted only if every part succeeded,
// so a commit failure is reported only when no part failed. Either
// way Abort is attempted as a best-effort cleanup and its own error
// is logged, never returned, since it must never shadow the real
// failure.
func (t *Task) runMultipart(f *os.File) error {
	mpu, err := t.Client.CreateMultipartUpload(t.Object, t.HostID)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	parts := partsFor(t.Size)
	g := new(errgroup.Group)
	if t.Concurrency > 0 {
		g.SetLimit(t.Concurrency)
	}

	var mu partFailure
	for _, p := range parts {
		p := p
		g.Go(func() error {
			buf := make([]byte, p.end-p.start)
			if _, err := f.ReadAt(buf, p.start); err != nil {
				mu.record(fmt.Errorf("upload: reading part %d: %w", p.number, err))
				return nil
			}
			if err := mpu.UploadPart(p.number, buf); err != nil {
				mu.record(err)
			}
			return nil
		})
	}
	g.Wait()

	if err := mu.last(); err != nil {
		abort(mpu)
		return fmt.Errorf("upload: %w", err)
	}

	if err := mpu.Complete(); err != nil {
		abort(mpu)
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

func abort(mpu *objectstore.MultipartUpload) {
	if err := mpu.Abort(); err != nil {
		log.Printf("WARN  aborting multipart upload %s: %v", mpu.ID(), err)
	}
}

// partFailure tracks the most recently observed part error across
// concurrent goroutines; later calls to record overwrite earlier
// ones, matching the "most recently observed error wins" tie-break.
type partFailure struct {
	mu  sync.Mutex
	err error
}

func (p *partFailure) record(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *partFailure) last() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
