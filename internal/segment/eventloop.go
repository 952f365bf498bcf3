package segment

import (
	"fmt"
	"io"
	"log"
	"time"
)

// Config bundles the knobs the Event Loop needs that come from the
// CLI: where to buffer, how big/old a segment may get, and whether
// to compress.
type Config struct {
	TempDir     string
	MaxSize     int64
	MaxDuration time.Duration
	Compress    bool
}

// Dispatcher hands a finalized segment off to the upload layer and
// is invoked from the Event Loop's own goroutine; the returned
// function is what TaskSet.Push runs in the background.
//
// name is the already-evaluated object name (the Event Loop resolves
// the pattern before calling Dispatch, since a template error must
// skip the upload entirely rather than fail the upload task).
type Dispatcher interface {
	Dispatch(file FinalizedSegment, name string) func() error
}

// FinalizedSegment describes what Finalize produced: the path of the
// finalized temp file and its true on-disk size.
type FinalizedSegment struct {
	Path string
	Size int64
}

// NameFunc evaluates the object-name pattern for a freshly sealed
// segment. A returned error means "skip this upload, log it, and
// drop the segment" per the design's data-loss-is-acceptable policy
// for unresolvable names.
type NameFunc func() (string, error)

// Run executes the outer/inner loop described in the design: one
// segment at a time, sealing on whichever of {deadline, max size,
// read EOF, read error} comes first, and draining the Task Set once
// the input is exhausted.
func Run(r io.Reader, cfg Config, name NameFunc, dispatch Dispatcher, tasks *TaskSet) error {
	buf := make([]byte, 64*1024)

	for {
		seg, err := New(cfg.TempDir, cfg.Compress)
		if err != nil {
			return fmt.Errorf("segment: starting new segment: %w", err)
		}
		log.Printf("INFO  opened segment %s", seg.TempPath)

		var timer *time.Timer
		var timerC <-chan time.Time

		type readResult struct {
			n   int
			err error
		}
		reads := make(chan readResult, 1)
		go func() {
			n, err := r.Read(buf)
			reads <- readResult{n, err}
		}()

		outerDone := false
	inner:
		for {
			select {
			case <-timerC:
				log.Printf("DEBUG segment %s sealed on deadline", seg.TempPath)
				sealAndDispatch(seg, name, dispatch, tasks)
				break inner

			case rr := <-reads:
				if rr.err != nil && rr.err != io.EOF {
					log.Printf("ERROR reading input: %v", rr.err)
					sealAndDispatch(seg, name, dispatch, tasks)
					outerDone = true
					break inner
				}
				if rr.n == 0 {
					log.Printf("INFO  input closed")
					sealAndDispatch(seg, name, dispatch, tasks)
					outerDone = true
					break inner
				}

				first, reported, werr := seg.Write(buf[:rr.n])
				if first {
					timer = time.NewTimer(cfg.MaxDuration)
					timerC = timer.C
				}
				if reported {
					log.Printf("DEBUG segment %s has reached %d bytes", seg.TempPath, seg.UncompressedSize())
				}
				if werr != nil {
					log.Printf("ERROR %v", werr)
					sealAndDispatch(seg, name, dispatch, tasks)
					break inner
				}
				if seg.UncompressedSize() >= cfg.MaxSize {
					log.Printf("DEBUG segment %s sealed on size", seg.TempPath)
					sealAndDispatch(seg, name, dispatch, tasks)
					break inner
				}
				if rr.err == io.EOF {
					log.Printf("INFO  input closed")
					sealAndDispatch(seg, name, dispatch, tasks)
					outerDone = true
					break inner
				}

				reads = make(chan readResult, 1)
				go func() {
					n, err := r.Read(buf)
					reads <- readResult{n, err}
				}()

			case res := <-tasks.Completions():
				tasks.Next()
				logCompletion(res)
			}
		}
		if timer != nil {
			timer.Stop()
		}
		if outerDone {
			break
		}
	}

	tasks.Drain(logCompletion)
	return nil
}

func logCompletion(res Result) {
	if res.Err != nil {
		log.Printf("ERROR upload of %s failed: %v", res.Object, res.Err)
		return
	}
	log.Printf("INFO  upload of %s complete", res.Object)
}

func sealAndDispatch(seg *Segment, name NameFunc, dispatch Dispatcher, tasks *TaskSet) {
	objectName, err := name()
	if err != nil {
		log.Printf("ERROR evaluating object name for %s: %v; dropping segment", seg.TempPath, err)
		seg.Release()
		return
	}

	f, size, err := seg.Finalize()
	if err != nil {
		log.Printf("ERROR finalizing segment %s: %v; dropping segment", seg.TempPath, err)
		seg.Release()
		return
	}

	fn := dispatch.Dispatch(FinalizedSegment{Path: f.Name(), Size: size}, objectName)
	tasks.Push(objectName, func() error {
		defer seg.Release()
		return fn()
	})
}
