package segment

import "sync"

// Result is the outcome of one completed Upload Task.
type Result struct {
	Object string
	Err    error
}

// TaskSet is a dynamic, unordered collection of outstanding upload
// goroutines. Its defining property is that pulling a completion
// from an empty set suspends the caller instead of signaling
// end-of-stream: Completions() returns a channel that simply never
// fires while the set is empty, rather than a channel that closes.
// That is what lets the Event Loop select over "next input byte",
// "deadline", and "next completion" uniformly, without special-
// casing the case where no upload is in flight.
//
// pending counts tasks that have been pushed but whose Result has
// not yet been consumed by the caller (not merely tasks whose
// goroutine hasn't returned) — Len/Drain rely on that to avoid a
// race between a goroutine finishing and its Result being read.
type TaskSet struct {
	mu      sync.Mutex
	pending int
	done    chan Result
}

// NewTaskSet returns an empty Task Set.
func NewTaskSet() *TaskSet {
	// buffered generously: a completion is never dropped even if
	// the Event Loop is busy with a read or a seal when it lands.
	return &TaskSet{done: make(chan Result, 4096)}
}

// Push registers a new in-flight task. fn runs in its own goroutine
// and its return value becomes the eventual Result.
func (s *TaskSet) Push(object string, fn func() error) {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()

	go func() {
		err := fn()
		s.done <- Result{Object: object, Err: err}
	}()
}

// Len returns the number of tasks pushed but not yet consumed via
// Completions or Drain.
func (s *TaskSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Completions returns the channel the Event Loop selects on. It is
// never closed: reading it when the set is empty simply never
// yields a value, which is the "suspend rather than end" behavior
// the design calls for. Callers must call Next once for every value
// received from this channel, so that Len stays accurate.
func (s *TaskSet) Completions() <-chan Result {
	return s.done
}

// Next records that a Result pulled from Completions() has been
// consumed. Call this once for every value received from the
// channel returned by Completions.
func (s *TaskSet) Next() {
	s.mu.Lock()
	s.pending--
	s.mu.Unlock()
}

// Drain blocks until every currently in-flight task has completed,
// invoking observe for each Result. Used once, after input EOF, to
// flush the final batch of uploads before the process exits.
func (s *TaskSet) Drain(observe func(Result)) {
	for s.Len() > 0 {
		r := <-s.done
		s.Next()
		observe(r)
	}
}
