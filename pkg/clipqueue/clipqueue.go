// Package clipqueue implements ProcessedClipsQueue (spec.md §4.5): the bounded
// cross-stage hand-off between the worker pool and the player's filler task.
//
// The teacher's pkg/audioframeringbuffer was an array-backed AudioFrame SPSC
// ring with non-blocking Write/Read and a Reset() between files. This version
// is generalized to types.ProcessedClip items and a channel-backed bounded
// FIFO, since spec.md §4.5 calls for *blocking* put/get semantics (backpressure
// on the worker pool, timed polling for the filler) rather than the teacher's
// non-blocking-plus-manual-retry style — a buffered channel gives both for
// free, while PutWithBackoff keeps the teacher's explicit retry-with-sleep
// shape (audioplayer.Player.producer()'s ring-full loop) for callers that want
// to observe a stop signal between attempts instead of blocking unconditionally.
package clipqueue

import (
	"time"

	"github.com/kallio-sound/gapstream/pkg/types"
)

// Queue is a bounded FIFO of ProcessedClip values.
type Queue struct {
	items chan types.ProcessedClip
}

// New creates a queue with the given capacity (at least 1).
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{items: make(chan types.ProcessedClip, capacity)}
}

// Put blocks until there is room for clip, then enqueues it.
func (q *Queue) Put(clip types.ProcessedClip) {
	q.items <- clip
}

// PutWithBackoff enqueues clip, retrying every backoff interval while the
// queue is full, in the same retry-with-sleep shape the teacher's
// audioplayer.Player.producer() uses for ring-full handling. stop, if
// non-nil, aborts the retry loop early (the clip is dropped in that case).
func (q *Queue) PutWithBackoff(clip types.ProcessedClip, backoff time.Duration, stop <-chan struct{}) {
	for {
		select {
		case q.items <- clip:
			return
		case <-stop:
			return
		case <-time.After(backoff):
		}
	}
}

// Get waits up to timeout for an item. Returns ok=false on timeout — the
// filler loop treats this as "keep polling, producers may be slow".
func (q *Queue) Get(timeout time.Duration) (clip types.ProcessedClip, ok bool) {
	select {
	case clip = <-q.items:
		return clip, true
	case <-time.After(timeout):
		return types.ProcessedClip{}, false
	}
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int {
	return len(q.items)
}

// Capacity returns the queue's bound.
func (q *Queue) Capacity() int {
	return cap(q.items)
}

// Reset drains all queued items, matching the teacher's Reset() shape used
// between files/cycles.
func (q *Queue) Reset() {
	for {
		select {
		case <-q.items:
		default:
			return
		}
	}
}
