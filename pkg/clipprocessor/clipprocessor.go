// Package clipprocessor implements ClipProcessor (spec.md §4.3): fetch,
// decode, trim, fade, and crossfade-join one song into a ProcessedClip ready
// for the ring buffer.
//
// Decoding reuses pkg/decoders exactly as the teacher's
// audioplayer.Player.OpenFile does (decode a local file through the
// extension-dispatched factory); PCM-to-float32 conversion follows the
// little-endian int-sample layout satindergrewal-InfiniteRadio's
// internal/audio.DecodeFile already assumes for its own int16 conversion,
// generalized here to the decoder's reported bit depth.
package clipprocessor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/kallio-sound/gapstream/internal/fetch"
	"github.com/kallio-sound/gapstream/pkg/decoders"
	"github.com/kallio-sound/gapstream/pkg/types"

	soxr "github.com/zaf/resample"
)

// ChainToken re-exports types.ChainToken so existing callers in this package
// (and its tests) can keep writing the bare name.
type ChainToken = types.ChainToken

// Enqueuer is the subset of clipqueue.Queue the processor needs, so tests can
// substitute a lightweight fake.
type Enqueuer interface {
	Put(clip types.ProcessedClip)
}

// Processor turns ClipJobs into ProcessedClips.
type Processor struct {
	Config  types.AudioConfig
	Fetcher fetch.Fetcher
	Queue   Enqueuer
	Logger  *slog.Logger

	// Rand drives Gaussian clip-start selection; overridable for deterministic
	// tests.
	Rand *rand.Rand
}

// New builds a Processor with a seeded Rand if none is supplied by the
// caller.
func New(cfg types.AudioConfig, fetcher fetch.Fetcher, queue Enqueuer, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		Config:  cfg,
		Fetcher: fetcher,
		Queue:   queue,
		Logger:  logger,
		Rand:    rand.New(rand.NewSource(1)),
	}
}

// Process runs one ClipJob through the full pipeline (spec.md §4.3).
// job.PrevChain/NextChain are the per-pair handoff channels the Scheduler
// assigned at admission time (not a single shared channel — see
// types.ClipJob): fetch and decode run unserialized across concurrent
// workers, and only the join step (spec.md §4.3 step 5) waits on the
// predecessor's token, so download/decode latency for song N+1 can overlap
// song N's still-in-flight join. NextChain is sent on success and also when
// buildClip fails (an empty token), so the chain does not stall on one bad
// job; only a cancelled context returns without sending it.
func (p *Processor) Process(ctx context.Context, job types.ClipJob) error {
	samples, channels, err := p.buildClip(ctx, job)
	if err != nil {
		if job.NextChain != nil {
			job.NextChain <- ChainToken{} // no tail: successor treats itself as a first clip
		}
		return fmt.Errorf("clipprocessor: song %s: %w", job.Song.ID, err)
	}

	var prevToken ChainToken
	if job.HasPrev {
		select {
		case prevToken = <-job.PrevChain:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fadeFrames := p.Config.FadeSamples()
	joined, tail := p.join(samples, prevToken, fadeFrames, channels, job.IsFinal)

	if job.NextChain != nil {
		job.NextChain <- ChainToken{HasTail: true, Tail: tail}
	}

	p.Queue.Put(types.ProcessedClip{
		SongID:  job.Song.ID,
		Title:   job.Song.Title,
		Samples: joined,
	})
	return nil
}

// buildClip runs steps 1-4 of spec.md §4.3: clip timing, fetch, decode, and
// envelope fades. The result is the raw (un-joined) faded clip, plus the
// decoded channel count join/applyFadeEnvelope need to stay frame-aligned.
func (p *Processor) buildClip(ctx context.Context, job types.ClipJob) ([]float32, int, error) {
	start, clipLen, wantsWindow := p.clipTiming(job.Song)

	r, err := p.fetchRange(ctx, job.Song, start, clipLen, wantsWindow)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: %w", err)
	}

	samples, decodedRate, channels, err := p.decode(r)
	if err != nil {
		return nil, 0, fmt.Errorf("decode: %w", err)
	}

	if decodedRate != p.Config.SampleRate {
		samples, err = p.resample(samples, decodedRate, channels)
		if err != nil {
			return nil, 0, fmt.Errorf("resample: %w", err)
		}
	}

	applyGainDB(samples, p.Config.VolumeAdjustment)

	if wantsWindow {
		samples = sliceWindow(samples, start, clipLen, p.Config.SampleRate, channels)
	}

	fadeFrames := p.Config.FadeSamples()
	applyFadeEnvelope(samples, fadeFrames, channels)

	return samples, channels, nil
}

// clipTiming implements spec.md §4.3 step 1.
func (p *Processor) clipTiming(song types.Song) (start, clipLen float64, wantsWindow bool) {
	d := float64(song.DurationSeconds)
	l := p.Config.ClipLength

	if l <= 0 || d <= 0 || l > d {
		return 0, d, false
	}

	mean := (d - l) / 2
	stddev := (d - l) / 4
	start = p.Rand.NormFloat64()*stddev + mean
	if start < 0 {
		start = 0
	}
	if max := d - l; start > max {
		start = max
	}
	return start, l, true
}

// fetchRange implements spec.md §4.3 step 2: whole song when clip length
// exceeds half the song (or duration unknown), a byte range otherwise.
func (p *Processor) fetchRange(ctx context.Context, song types.Song, start, clipLen float64, wantsWindow bool) (string, error) {
	d := float64(song.DurationSeconds)
	fullSong := !wantsWindow || d <= 0 || clipLen > d/2

	var rng fetch.Range
	if !fullSong {
		rng = fetch.Range{StartSeconds: start, EndSeconds: start + clipLen}
	}
	return p.Fetcher.Fetch(ctx, song.ID, rng)
}

// decode opens localPath through the format-dispatched decoder factory and
// reads the whole file into interleaved float32 samples.
func (p *Processor) decode(localPath string) (samples []float32, rate, channels int, err error) {
	dec, err := decoders.NewDecoder(localPath)
	if err != nil {
		return nil, 0, 0, err
	}
	defer dec.Close()

	rate, channels, bitsPerSample := dec.GetFormat()
	bytesPerSample := bitsPerSample / 8

	const chunkSamples = 4096
	buf := make([]byte, chunkSamples*channels*bytesPerSample)
	var out []float32

	for {
		n, err := dec.DecodeSamples(chunkSamples, buf)
		if n > 0 {
			out = append(out, pcmBytesToFloat32(buf[:n*channels*bytesPerSample], bitsPerSample)...)
		}
		if err != nil || n == 0 {
			break
		}
	}

	return out, rate, channels, nil
}

// resample follows cmd/transform.go's resampleAudio: write 16-bit PCM through
// a SoXR resampler into a buffered byte sink, then decode back to float32.
func (p *Processor) resample(samples []float32, fromRate, channels int) ([]float32, error) {
	pcm := float32ToPCM16(samples)

	var resampled bytes.Buffer
	bufWriter := bufio.NewWriter(&resampled)

	r, err := soxr.New(bufWriter, float64(fromRate), float64(p.Config.SampleRate), channels, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	if _, err := r.Write(pcm); err != nil {
		r.Close()
		return nil, fmt.Errorf("resample write: %w", err)
	}
	if err := r.Close(); err != nil {
		return nil, fmt.Errorf("resample close: %w", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return nil, fmt.Errorf("flush resampled buffer: %w", err)
	}

	return pcmBytesToFloat32(resampled.Bytes(), 16), nil
}

func sliceWindow(samples []float32, start, clipLen float64, sampleRate, channels int) []float32 {
	frameLen := channels
	startIdx := int(start*float64(sampleRate)) * channels
	wantLen := int(clipLen*float64(sampleRate)) * channels

	if startIdx >= len(samples) {
		return nil
	}
	endIdx := startIdx + wantLen
	if endIdx > len(samples) {
		endIdx = len(samples)
	}
	// Align to frame boundary.
	endIdx -= (endIdx - startIdx) % frameLen
	if endIdx <= startIdx {
		return samples[startIdx:]
	}
	return samples[startIdx:endIdx]
}

// applyGainDB applies a fixed gain in decibels in place.
func applyGainDB(samples []float32, db float64) {
	if db == 0 {
		return
	}
	gain := float32(math.Pow(10, db/20))
	for i := range samples {
		samples[i] *= gain
	}
}

// applyFadeEnvelope multiplies the first fadeFrames frames by a linear 0->1
// ramp and the last fadeFrames frames by a 1->0 ramp, in place (spec.md §4.3
// step 4). Every sample within a frame gets the same ramp value — fadeFrames
// counts frames, not interleaved sample positions, so a stereo (or wider)
// clip fades for the configured duration instead of half of it, with L/R
// moving together.
func applyFadeEnvelope(samples []float32, fadeFrames, channels int) {
	if fadeFrames <= 0 || channels <= 0 || len(samples) == 0 {
		return
	}
	totalFrames := len(samples) / channels
	n := fadeFrames
	if n > totalFrames {
		n = totalFrames
	}

	for f := 0; f < n; f++ {
		r := float32(f) / float32(n)
		base := f * channels
		for c := 0; c < channels; c++ {
			samples[base+c] *= r
		}
	}
	for f := 0; f < n; f++ {
		r := float32(f) / float32(n)
		base := (totalFrames - 1 - f) * channels
		for c := 0; c < channels; c++ {
			samples[base+c] *= r
		}
	}
}

// join implements spec.md §4.3 steps 6-7: equal-sum crossfade with the
// predecessor's tail, and publishing this clip's own tail for the successor.
// fadeFrames is frame-counted (see applyFadeEnvelope); it is scaled by
// channels here before being used as an interleaved sample-slice index.
func (p *Processor) join(clip []float32, prev ChainToken, fadeFrames, channels int, isFinal bool) (joined, tail []float32) {
	fade := fadeFrames * channels
	if fade <= 0 || fade > len(clip) {
		fade = 0
	}

	tail = append([]float32(nil), lastN(clip, fade)...)

	var head []float32
	if !prev.HasTail {
		head = clip[:len(clip)-fade]
	} else {
		crossed := make([]float32, fade)
		for i := 0; i < fade && i < len(prev.Tail); i++ {
			crossed[i] = prev.Tail[i] + clip[i]
		}
		middle := clip[fade : len(clip)-fade]
		head = append(append([]float32(nil), crossed...), middle...)
	}

	if isFinal && !p.Config.Repeat {
		head = append(head, lastN(clip, fade)...)
	}

	return head, tail
}

func lastN(s []float32, n int) []float32 {
	if n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}

// pcmBytesToFloat32 converts little-endian signed PCM bytes (16/24/32-bit) to
// normalized float32 samples in [-1, 1].
func pcmBytesToFloat32(data []byte, bitsPerSample int) []float32 {
	bytesPerSample := bitsPerSample / 8
	n := len(data) / bytesPerSample
	out := make([]float32, n)

	switch bitsPerSample {
	case 16:
		for i := 0; i < n; i++ {
			v := int16(binary.LittleEndian.Uint16(data[i*2:]))
			out[i] = float32(v) / 32768.0
		}
	case 24:
		for i := 0; i < n; i++ {
			off := i * 3
			v := int32(data[off]) | int32(data[off+1])<<8 | int32(data[off+2])<<16
			if v&0x800000 != 0 {
				v |= ^0xFFFFFF
			}
			out[i] = float32(v) / 8388608.0
		}
	case 32:
		for i := 0; i < n; i++ {
			v := int32(binary.LittleEndian.Uint32(data[i*4:]))
			out[i] = float32(v) / 2147483648.0
		}
	default:
		for i := range out {
			out[i] = 0
		}
	}
	return out
}

// float32ToPCM16 converts normalized float32 samples back to little-endian
// signed 16-bit PCM, the format the resampler (soxr.I16) operates on.
func float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767.0)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
