// Package player implements the Player (spec.md §4.6): a filler task that
// drains ProcessedClipsQueue into the ring buffer, a command loop for
// pause/resume/stop, and the real-time audio callback PortAudio invokes.
//
// The callback-mode stream setup (PaStreamParameters, OpenCallback,
// StartStream/StopStream/CloseCallback, Continue/Complete) and the
// mutex-guarded idempotent Stop() are grounded on
// pkg/audioplayer/examples/play_callback/main.go's CallbackPlayer and
// internal/fileplayer/fileplayer.go's FilePlayer, both of which this package
// supersedes. The teacher never demonstrates a float32 PortAudio sample
// format anywhere in its code (only Int16/24/32 appear), so the callback
// converts the ring's float32 samples to int16 PCM at the device boundary
// while the ring and DSP pipeline stay float32 internally.
package player

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drgolem/go-portaudio/portaudio"

	"github.com/kallio-sound/gapstream/pkg/clipqueue"
	"github.com/kallio-sound/gapstream/pkg/limiter"
	"github.com/kallio-sound/gapstream/pkg/ringbuffer"
)

// Command is a player control message from the command loop (spec.md §4.6).
type Command int

const (
	CmdPause Command = iota
	CmdResume
	CmdForceStart
	CmdStop
)

// Config mirrors the AudioConfig fields the player needs.
type Config struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	BufferSeconds   float64
	PrefillTime     float64
	BufferBackoff   time.Duration
	PauseFade       float64
	DeviceIndex     int
	LimiterThresh   float32
}

// Player owns the ring buffer, the PortAudio stream, and the filler/command
// goroutines that feed it.
type Player struct {
	cfg Config

	queue *clipqueue.Queue
	ring  *ringbuffer.RingBuffer

	limiter limiter.PeakLimiter
	stream  *portaudio.PaStream

	statusf func(format string, args ...any)

	cmdCh chan Command

	tagToID   map[int32]string
	songTitle map[string]string
	tagMu     sync.Mutex

	prefillComplete atomic.Bool
	paused          atomic.Bool
	currentVolume   atomic.Value // float32
	currentSongID   atomic.Value // string
	currentTag      atomic.Int32

	loaderComplete   atomic.Bool
	playbackComplete atomic.Bool

	scratch []float32 // reused by the callback; never reallocated once sized

	stopped  bool
	stopMu   sync.Mutex
	wg       sync.WaitGroup
	stopChan chan struct{}
}

// New builds a Player reading clips off queue into a ring buffer sized for
// BufferSeconds of audio.
func New(cfg Config, queue *clipqueue.Queue, statusf func(string, ...any)) *Player {
	if statusf == nil {
		statusf = func(string, ...any) {}
	}
	capacitySamples := int(cfg.BufferSeconds*float64(cfg.SampleRate)) * cfg.Channels
	blockSize := cfg.FramesPerBuffer * cfg.Channels

	p := &Player{
		cfg:       cfg,
		queue:     queue,
		ring:      ringbuffer.New(capacitySamples, blockSize),
		limiter:   limiter.New(cfg.LimiterThresh),
		statusf:   statusf,
		cmdCh:     make(chan Command, 8),
		tagToID:   make(map[int32]string),
		songTitle: make(map[string]string),
		stopChan:  make(chan struct{}),
	}
	p.currentVolume.Store(float32(1.0))
	p.currentSongID.Store("")
	return p
}

// Command submits a control message to the command loop. It blocks while the
// command buffer is full, and returns without sending once the player stops.
func (p *Player) Command(cmd Command) {
	select {
	case p.cmdCh <- cmd:
	case <-p.stopChan:
	}
}

// Paused reports whether the player is currently in the paused state
// (between a CmdPause and the next CmdResume), for the Supervisor's status
// priority exception (spec.md §6: "playing while paused may be superseded").
func (p *Player) Paused() bool {
	return p.paused.Load()
}

// Start opens the PortAudio callback stream and launches the filler and
// command-loop goroutines.
func (p *Player) Start(ctx context.Context) error {
	sampleFormat := portaudio.SampleFmtInt16

	p.stream = &portaudio.PaStream{
		OutputParameters: &portaudio.PaStreamParameters{
			DeviceIndex:  p.cfg.DeviceIndex,
			ChannelCount: p.cfg.Channels,
			SampleFormat: sampleFormat,
		},
		SampleRate: float64(p.cfg.SampleRate),
	}

	if err := p.stream.OpenCallback(p.cfg.FramesPerBuffer, p.audioCallback); err != nil {
		return err
	}
	if err := p.stream.StartStream(); err != nil {
		return err
	}

	p.wg.Add(2)
	go p.fillerLoop(ctx)
	go p.commandLoop(ctx)

	return nil
}

// Stop idempotently tears down the stream and waits for the filler/command
// goroutines to exit, mirroring FilePlayer.Stop()'s mutex-guarded shape.
func (p *Player) Stop() error {
	p.stopMu.Lock()
	if p.stopped {
		p.stopMu.Unlock()
		return nil
	}
	p.stopped = true
	p.stopMu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	if p.stream != nil {
		if err := p.stream.StopStream(); err != nil {
			slog.Warn("player: failed to stop stream", "error", err)
		}
		if err := p.stream.CloseCallback(); err != nil {
			slog.Warn("player: failed to close stream", "error", err)
		}
	}
	return nil
}

// fillerLoop implements spec.md §4.6's filler task.
func (p *Player) fillerLoop(ctx context.Context) {
	defer p.wg.Done()

	prefillTarget := int(p.cfg.PrefillTime * float64(p.cfg.SampleRate))
	var writtenSinceLastSong int
	var lastPercentEmitted int
	var currentFillSongID string

	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		clip, ok := p.queue.Get(100 * time.Millisecond)
		if !ok {
			continue
		}

		if clip.IsSentinel() {
			p.loaderComplete.Store(true)
			p.ring.SetLoaderComplete()
			return
		}

		tag := hash32(clip.SongID)
		p.tagMu.Lock()
		p.tagToID[tag] = clip.SongID
		p.songTitle[clip.SongID] = clip.Title
		p.tagMu.Unlock()

		if clip.SongID != currentFillSongID {
			currentFillSongID = clip.SongID
			writtenSinceLastSong = 0
			lastPercentEmitted = -1
		}

		p.writeClip(clip.Samples, tag, prefillTarget, &writtenSinceLastSong, &lastPercentEmitted, clip.SongID)
	}
}

// writeClip chunks one clip into block_size writes with backoff-on-full
// retries, emitting buffering:<song_id>:<percent> progress at >=5% steps
// measured against prefillTarget.
func (p *Player) writeClip(samples []float32, tag int32, prefillTarget int, written, lastPercent *int, songID string) {
	block := p.cfg.FramesPerBuffer * p.cfg.Channels
	for off := 0; off < len(samples); off += block {
		end := off + block
		if end > len(samples) {
			end = len(samples)
		}
		chunk := samples[off:end]

		for chunkWritten := 0; chunkWritten < len(chunk); {
			select {
			case <-p.stopChan:
				return
			default:
			}
			n := p.ring.Write(chunk[chunkWritten:], tag)
			chunkWritten += n
			if chunkWritten < len(chunk) {
				time.Sleep(p.cfg.BufferBackoff)
			}
		}

		*written += len(chunk)
		if prefillTarget > 0 {
			percent := (*written * 100) / prefillTarget
			if percent > 100 {
				percent = 100
			}
			if percent-*lastPercent >= 5 {
				*lastPercent = percent
				p.statusf("buffering:%s:%d", songID, percent)
			}
			if !p.prefillComplete.Load() && *written >= prefillTarget {
				p.prefillComplete.Store(true)
				p.statusf("audio:prefill target reached")
			}
		}
	}
}

// commandLoop implements spec.md §4.6's command loop.
func (p *Player) commandLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		case cmd := <-p.cmdCh:
			switch cmd {
			case CmdPause:
				p.fadeVolume(1, 0)
				p.paused.Store(true)
			case CmdResume:
				p.paused.Store(false)
				p.fadeVolume(0, 1)
			case CmdForceStart:
				p.prefillComplete.Store(true)
			case CmdStop:
				return
			}
		}
	}
}

// fadeVolume linearly steps current_volume between from and to over
// PauseFade seconds in 10ms ticks, per spec.md §4.6.
func (p *Player) fadeVolume(from, to float32) {
	steps := int(p.cfg.PauseFade * 100) // 10ms ticks
	if steps <= 0 {
		p.currentVolume.Store(to)
		return
	}
	for i := 1; i <= steps; i++ {
		select {
		case <-p.stopChan:
			return
		default:
		}
		v := from + (to-from)*float32(i)/float32(steps)
		p.currentVolume.Store(v)
		time.Sleep(10 * time.Millisecond)
	}
	p.currentVolume.Store(to)
}

// audioCallback is the deadline-critical callback PortAudio invokes. It must
// never allocate: it reads via ringbuffer.ReadInto into a preallocated
// scratch buffer and writes int16 PCM directly into output.
func (p *Player) audioCallback(
	input, output []byte,
	frameCount uint,
	timeInfo *portaudio.StreamCallbackTimeInfo,
	statusFlags portaudio.StreamCallbackFlags,
) portaudio.StreamCallbackResult {
	frames := int(frameCount)
	n := frames * p.cfg.Channels

	if p.paused.Load() || !p.prefillComplete.Load() {
		clear(output[:n*2])
		return portaudio.Continue
	}

	scratch := p.scratchBuf(n)
	read, tag, hasTag, final, underrun := p.ring.ReadInto(scratch)

	if read == 0 {
		if underrun {
			p.prefillComplete.Store(false)
			clear(output[:n*2])
			p.statusf("buffering:%s:0", p.currentSongID.Load().(string))
			return portaudio.Continue
		}
		if final {
			p.playbackComplete.Store(true)
			p.statusf("playback:complete")
			return portaudio.Complete
		}
	}

	if hasTag && tag != p.currentTag.Load() {
		p.currentTag.Store(tag)
		p.tagMu.Lock()
		songID := p.tagToID[tag]
		title := p.songTitle[songID]
		p.tagMu.Unlock()
		p.currentSongID.Store(songID)
		p.statusf("playing:%s:%s", songID, title)
	}

	vol := p.currentVolume.Load().(float32)
	for i := 0; i < read; i++ {
		scratch[i] *= vol
	}
	p.limiter.Apply(scratch[:read])

	floatToInt16Bytes(scratch[:read], output)
	if read < n {
		clear(output[read*2 : n*2])
	}

	return portaudio.Continue
}

// scratchBuf returns a reusable per-Player scratch slice sized for n, so the
// callback never allocates (spec.md §5).
func (p *Player) scratchBuf(n int) []float32 {
	if cap(p.scratch) < n {
		// Grown once, at Start-time frame sizes; steady state never reaches here.
		p.scratch = make([]float32, n)
	}
	return p.scratch[:n]
}

// hash32 derives a stable 32-bit tag from a song id. No retrieval-pack
// precedent uses FNV specifically for this; stable-id hashing elsewhere in
// the pack (e.g. md5-based ids) solves an adjacent but not identical problem,
// so this is a stdlib-only choice made directly from spec.md's "tag =
// hash32(song_id)" requirement.
func hash32(songID string) int32 {
	h := fnv.New32a()
	h.Write([]byte(songID))
	return int32(h.Sum32())
}

// floatToInt16Bytes converts normalized float32 samples to little-endian
// int16 PCM, the only format the PortAudio binding in this stack
// demonstrates (see package doc).
func floatToInt16Bytes(samples []float32, out []byte) {
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767.0)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
}
