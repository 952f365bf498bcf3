package segment

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskSet_PushAndDrain(t *testing.T) {
	ts := NewTaskSet()
	ts.Push("a", func() error { return nil })
	ts.Push("b", func() error { return errors.New("boom") })

	seen := map[string]error{}
	ts.Drain(func(r Result) { seen[r.Object] = r.Err })

	require.Len(t, seen, 2)
	assert.NoError(t, seen["a"])
	assert.EqualError(t, seen["b"], "boom")
	assert.Equal(t, 0, ts.Len())
}

func TestTaskSet_SuspendsWhenEmpty(t *testing.T) {
	ts := NewTaskSet()
	select {
	case <-ts.Completions():
		t.Fatal("expected no completion on an empty task set")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestTaskSet_LenTracksUnconsumedOnly(t *testing.T) {
	ts := NewTaskSet()
	done := make(chan struct{})
	ts.Push("a", func() error {
		close(done)
		return nil
	})
	<-done
	// the goroutine has finished, but nothing has consumed its
	// Result yet, so it must still count as pending.
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, ts.Len())

	r := <-ts.Completions()
	ts.Next()
	assert.Equal(t, "a", r.Object)
	assert.Equal(t, 0, ts.Len())
}
