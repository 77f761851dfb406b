package player

import (
	"context"
	"testing"
	"time"

	"github.com/kallio-sound/gapstream/pkg/clipqueue"
	"github.com/kallio-sound/gapstream/pkg/types"
)

func TestHash32Deterministic(t *testing.T) {
	a := hash32("song-123")
	b := hash32("song-123")
	if a != b {
		t.Fatalf("hash32 should be deterministic: got %d and %d", a, b)
	}
	if hash32("song-123") == hash32("song-456") {
		t.Fatalf("different song ids should not collide in this small sample")
	}
}

func TestFloatToInt16BytesRoundTrips(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1, -1}
	out := make([]byte, len(samples)*2)
	floatToInt16Bytes(samples, out)

	for i, s := range samples {
		v := int16(out[i*2]) | int16(out[i*2+1])<<8
		want := int16(s * 32767.0)
		if v != want {
			t.Errorf("sample %d: got %d, want %d", i, v, want)
		}
	}
}

func TestFloatToInt16BytesClamps(t *testing.T) {
	samples := []float32{2.0, -2.0}
	out := make([]byte, 4)
	floatToInt16Bytes(samples, out)

	v0 := int16(out[0]) | int16(out[1])<<8
	v1 := int16(out[2]) | int16(out[3])<<8
	if v0 != 32767 {
		t.Errorf("overflow should clamp to max, got %d", v0)
	}
	if v1 != -32767 {
		t.Errorf("underflow should clamp to -max, got %d", v1)
	}
}

func newTestPlayer() *Player {
	cfg := Config{
		SampleRate:      1000,
		Channels:        1,
		FramesPerBuffer: 10,
		BufferSeconds:   1,
		PrefillTime:     0.1, // 100 samples
		BufferBackoff:   time.Millisecond,
		PauseFade:       0.02, // 2 steps of 10ms
		LimiterThresh:   0.98,
	}
	q := clipqueue.New(8)
	return New(cfg, q, nil)
}

func TestWriteClipEmitsPrefillCompleteAtTarget(t *testing.T) {
	p := newTestPlayer()
	written, lastPercent := 0, -1

	samples := make([]float32, 150) // exceeds prefillTarget of 100
	p.writeClip(samples, hash32("song1"), 100, &written, &lastPercent, "song1")

	if !p.prefillComplete.Load() {
		t.Fatalf("expected prefill_complete to be set once target crossed")
	}
}

func TestFadeVolumeReachesTarget(t *testing.T) {
	p := newTestPlayer()
	p.fadeVolume(1, 0)
	if v := p.currentVolume.Load().(float32); v != 0 {
		t.Errorf("fadeVolume(1,0) should land exactly on 0, got %v", v)
	}
	p.fadeVolume(0, 1)
	if v := p.currentVolume.Load().(float32); v != 1 {
		t.Errorf("fadeVolume(0,1) should land exactly on 1, got %v", v)
	}
}

func TestFillerLoopSetsLoaderCompleteOnSentinel(t *testing.T) {
	p := newTestPlayer()
	p.queue.Put(types.Sentinel)

	done := make(chan struct{})
	p.wg.Add(1)
	go func() {
		p.fillerLoop(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("fillerLoop did not return after sentinel")
	}

	if !p.loaderComplete.Load() {
		t.Errorf("expected loaderComplete to be set after sentinel")
	}
}
