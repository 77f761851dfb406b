// Package ringbuffer implements the audio ring buffer at the heart of
// gapstream's playback stage: a fixed-capacity interleaved-float32 ring with a
// parallel per-block song-tag array, written by one filler goroutine and read
// by one real-time audio callback.
//
// Unlike the teacher's lock-free SPSC byte ring, this ring is protected by a
// single mutex: spec.md §4.1 requires the tag array update and the sample copy
// to be published together, which a pair of independent atomic cursors cannot
// guarantee. Lock hold time is bounded to a single memcpy of at most
// block_size samples, which is what lets the real-time callback still meet
// its deadline (spec.md §5).
package ringbuffer

import (
	"sync"

	"github.com/kallio-sound/gapstream/pkg/types"
)

// Re-export common buffer errors for callers that want errors.Is comparisons.
var (
	ErrInsufficientSpace = types.ErrInsufficientSpace
	ErrInsufficientData  = types.ErrInsufficientData
)

// ReadResult is returned by Read.
type ReadResult struct {
	Data     []float32 // up to `requested` samples; empty on underrun or EOS
	Tag      int32     // song tag owning Data[0]; zero value if Data is empty
	HasTag   bool
	Final    bool // true: loader_complete and ring drained — end of stream
	Underrun bool // true: ring empty, loader not yet complete
}

// RingBuffer is the single-writer/single-reader audio ring described in
// spec.md §3/§4.1.
type RingBuffer struct {
	mu sync.Mutex

	samples   []float32
	tag       []int32
	blockSize int
	capacity  int // in samples; multiple of blockSize

	writePos  int
	readPos   int
	available int

	loaderComplete bool
	underrunCount  uint64
}

// New creates a ring buffer sized to capacitySamples, rounded down to the
// nearest multiple of blockSize; a capacitySamples below blockSize yields a
// ring of exactly one block.
func New(capacitySamples, blockSize int) *RingBuffer {
	if blockSize <= 0 {
		blockSize = 1
	}
	numBlocks := capacitySamples / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}
	capacity := numBlocks * blockSize

	return &RingBuffer{
		samples:   make([]float32, capacity),
		tag:       make([]int32, numBlocks),
		blockSize: blockSize,
		capacity:  capacity,
	}
}

// Capacity returns the ring's capacity in samples.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}

// BlockSize returns the configured block size.
func (rb *RingBuffer) BlockSize() int {
	return rb.blockSize
}

// Write copies up to min(len(data), capacity-available) samples into the ring
// under tag, stamping the blocks holding its first and last sample (see
// stampBlocks). Returns the number of
// samples actually written; callers must loop on partial writes (spec.md
// §4.1).
func (rb *RingBuffer) Write(data []float32, tag int32) int {
	if len(data) == 0 {
		return 0
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	freeSpace := rb.capacity - rb.available
	n := len(data)
	if n > freeSpace {
		n = freeSpace
	}
	if n == 0 {
		return 0
	}

	start := rb.writePos
	end := start + n
	if end <= rb.capacity {
		copy(rb.samples[start:end], data[:n])
	} else {
		firstPart := rb.capacity - start
		copy(rb.samples[start:], data[:firstPart])
		copy(rb.samples[:end-rb.capacity], data[firstPart:n])
	}

	rb.stampBlocks(start, n, tag)

	rb.writePos = (rb.writePos + n) % rb.capacity
	rb.available += n

	return n
}

// stampBlocks sets tag on the block holding the write's first sample and, if
// the write [start, start+n) crosses into another block (including across the
// wrap), on the block holding its last sample. Blocks strictly between those
// two are not restamped, so a single write spanning more than two blocks
// leaves their previous tags in place.
func (rb *RingBuffer) stampBlocks(start, n int, tag int32) {
	firstBlock := start / rb.blockSize
	lastSample := (start + n - 1) % rb.capacity
	lastBlock := lastSample / rb.blockSize

	rb.tag[firstBlock] = tag
	if lastBlock != firstBlock {
		rb.tag[lastBlock] = tag
	}
}

// Read returns up to `requested` samples from the ring along with the tag of
// the block read_pos was in before advancing. On an empty ring it reports
// Underrun (loader still running) or Final (loader_complete — end of stream),
// never both.
func (rb *RingBuffer) Read(requested int) ReadResult {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.available == 0 {
		if rb.loaderComplete {
			return ReadResult{Final: true}
		}
		rb.underrunCount++
		return ReadResult{Underrun: true}
	}

	n := requested
	if n > rb.available {
		n = rb.available
	}

	block := rb.readPos / rb.blockSize
	tag := rb.tag[block]

	out := make([]float32, n)
	start := rb.readPos
	end := start + n
	if end <= rb.capacity {
		copy(out, rb.samples[start:end])
	} else {
		firstPart := rb.capacity - start
		copy(out, rb.samples[start:])
		copy(out[firstPart:], rb.samples[:end-rb.capacity])
	}

	rb.readPos = (rb.readPos + n) % rb.capacity
	rb.available -= n

	return ReadResult{Data: out, Tag: tag, HasTag: true}
}

// ReadInto copies up to len(out) samples into out with no allocation, for use
// from the real-time audio callback (spec.md §5: the callback must never
// allocate). Returns the number of samples copied, the tag of the block
// read_pos was in before advancing, and the same Final/Underrun semantics as
// Read.
func (rb *RingBuffer) ReadInto(out []float32) (n int, tag int32, hasTag, final, underrun bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.available == 0 {
		if rb.loaderComplete {
			return 0, 0, false, true, false
		}
		rb.underrunCount++
		return 0, 0, false, false, true
	}

	n = len(out)
	if n > rb.available {
		n = rb.available
	}

	block := rb.readPos / rb.blockSize
	tag = rb.tag[block]

	start := rb.readPos
	end := start + n
	if end <= rb.capacity {
		copy(out[:n], rb.samples[start:end])
	} else {
		firstPart := rb.capacity - start
		copy(out[:firstPart], rb.samples[start:])
		copy(out[firstPart:n], rb.samples[:end-rb.capacity])
	}

	rb.readPos = (rb.readPos + n) % rb.capacity
	rb.available -= n

	return n, tag, true, false, false
}

// SetLoaderComplete marks the upstream loader finished; once the ring drains,
// subsequent reads report Final instead of Underrun.
func (rb *RingBuffer) SetLoaderComplete() {
	rb.mu.Lock()
	rb.loaderComplete = true
	rb.mu.Unlock()
}

// Clear resets positions, available count, and loader_complete.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	rb.writePos = 0
	rb.readPos = 0
	rb.available = 0
	rb.loaderComplete = false
	rb.mu.Unlock()
}

// AvailableSamples returns the number of samples currently buffered.
func (rb *RingBuffer) AvailableSamples() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.available
}

// AvailableSeconds returns available() / sampleRate.
func (rb *RingBuffer) AvailableSeconds(sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(rb.AvailableSamples()) / float64(sampleRate)
}

// UnderrunCount returns the number of underruns observed so far.
func (rb *RingBuffer) UnderrunCount() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.underrunCount
}
