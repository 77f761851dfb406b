// Package clipwire serializes ProcessedClip values for cross-process hand-off
// between the loader (Scheduler + worker pool) and the player, following
// spec.md §9's recommendation that a systems-language port may use OS process
// isolation to keep the audio callback off the same process as decoder/network
// stalls.
//
// The binary format is adapted from the teacher's audioframe.AudioFrame
// marshaling (tightly packed, little-endian, length-prefixed payload): a
// 4-byte SongID length, the SongID bytes, a 4-byte Title length, the Title
// bytes, a 4-byte sample count, then the float32 samples.
package clipwire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kallio-sound/gapstream/pkg/types"
)

// Marshal serializes a ProcessedClip to a self-describing little-endian byte
// slice suitable for writing down a pipe or socket. The terminal sentinel
// (types.Sentinel) marshals to a zero-length-fields message.
func Marshal(c types.ProcessedClip) []byte {
	idBytes := []byte(c.SongID)
	titleBytes := []byte(c.Title)

	headerSize := 4 + len(idBytes) + 4 + len(titleBytes) + 4
	totalSize := headerSize + len(c.Samples)*4
	buf := make([]byte, totalSize)

	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(idBytes)))
	off += 4
	copy(buf[off:], idBytes)
	off += len(idBytes)

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(titleBytes)))
	off += 4
	copy(buf[off:], titleBytes)
	off += len(titleBytes)

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(c.Samples)))
	off += 4

	for _, s := range c.Samples {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(s))
		off += 4
	}

	return buf
}

// Unmarshal deserializes a ProcessedClip previously produced by Marshal.
func Unmarshal(data []byte) (types.ProcessedClip, error) {
	var c types.ProcessedClip

	if len(data) < 4 {
		return c, fmt.Errorf("clipwire: buffer too small for id length header")
	}
	off := 0
	idLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if len(data) < off+idLen+4 {
		return c, fmt.Errorf("clipwire: buffer too small for id+title length")
	}
	c.SongID = string(data[off : off+idLen])
	off += idLen

	titleLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if len(data) < off+titleLen+4 {
		return c, fmt.Errorf("clipwire: buffer too small for title+sample count")
	}
	c.Title = string(data[off : off+titleLen])
	off += titleLen

	sampleCount := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if len(data) < off+sampleCount*4 {
		return c, fmt.Errorf("clipwire: buffer too small for %d samples", sampleCount)
	}

	if sampleCount == 0 && idLen == 0 && titleLen == 0 {
		return types.Sentinel, nil
	}

	c.Samples = make([]float32, sampleCount)
	for i := 0; i < sampleCount; i++ {
		c.Samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		off += 4
	}

	return c, nil
}
