package clipprocessor

import (
	"math"
	"testing"

	"github.com/kallio-sound/gapstream/pkg/types"
)

func defaultTestConfig() types.AudioConfig {
	cfg := types.DefaultAudioConfig()
	cfg.ClipLength = 30
	cfg.FadeDuration = 4
	cfg.SampleRate = 44100
	return cfg
}

func songOfLength(durationSeconds int) types.Song {
	return types.Song{ID: "song1", Title: "Test Song", DurationSeconds: durationSeconds}
}

func TestApplyFadeEnvelopeRampsEnds(t *testing.T) {
	samples := make([]float32, 10)
	for i := range samples {
		samples[i] = 1
	}
	applyFadeEnvelope(samples, 4, 1)

	if samples[0] != 0 {
		t.Errorf("first sample should be fully faded to 0, got %v", samples[0])
	}
	if samples[len(samples)-1] != 0 {
		t.Errorf("last sample should be fully faded to 0, got %v", samples[len(samples)-1])
	}
	for i := 4; i < 6; i++ {
		if samples[i] != 1 {
			t.Errorf("middle sample %d should be untouched, got %v", i, samples[i])
		}
	}
}

func TestApplyFadeEnvelopeKeepsChannelsInLockstep(t *testing.T) {
	// 6 stereo frames, fading over 2 frames: each frame's L/R must carry the
	// same ramp value, and the ramp must span frames, not raw sample indices.
	samples := make([]float32, 12)
	for i := range samples {
		samples[i] = 1
	}
	applyFadeEnvelope(samples, 2, 2)

	if samples[0] != 0 || samples[1] != 0 {
		t.Fatalf("frame 0 (L,R) should be fully faded to 0, got %v %v", samples[0], samples[1])
	}
	if samples[2] != samples[3] {
		t.Errorf("frame 1's L and R should carry the same ramp gain, got %v vs %v", samples[2], samples[3])
	}
	if samples[4] != 1 || samples[5] != 1 {
		t.Errorf("frame 2 is past the fade window and should be untouched, got %v %v", samples[4], samples[5])
	}
}

func TestApplyGainDBZeroIsNoop(t *testing.T) {
	samples := []float32{0.5, -0.5, 0.25}
	applyGainDB(samples, 0)
	want := []float32{0.5, -0.5, 0.25}
	for i := range samples {
		if samples[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, samples[i], want[i])
		}
	}
}

func TestApplyGainDBAttenuates(t *testing.T) {
	samples := []float32{1, 1}
	applyGainDB(samples, -6)
	want := float32(math.Pow(10, -6.0/20))
	if math.Abs(float64(samples[0]-want)) > 1e-4 {
		t.Errorf("got %v, want approximately %v", samples[0], want)
	}
}

func TestJoinEqualSumUnityGain(t *testing.T) {
	p := &Processor{Config: defaultTestConfig()}
	fade := 4

	clip := make([]float32, 12)
	for i := range clip {
		clip[i] = 1
	}
	applyFadeEnvelope(clip, fade, 1)

	prevTail := make([]float32, fade)
	for i := range prevTail {
		prevTail[i] = 1 - float32(i)/float32(fade)
	}

	joined, tail := p.join(clip, ChainToken{HasTail: true, Tail: prevTail}, fade, 1, false)

	if len(tail) != fade {
		t.Fatalf("tail length: got %d, want %d", len(tail), fade)
	}

	for i := 0; i < fade; i++ {
		want := prevTail[i] + clip[i]
		if math.Abs(float64(joined[i]-want)) > 1e-6 {
			t.Errorf("joined[%d]: got %v, want %v (equal-sum crossfade)", i, joined[i], want)
		}
	}
}

func TestJoinScalesFadeFramesByChannels(t *testing.T) {
	p := &Processor{Config: defaultTestConfig()}
	frames := 2
	channels := 2
	// 5 stereo frames (10 samples); fade window should cover 2 frames = 4 samples.
	clip := []float32{0, 0, 1, 1, 2, 2, 3, 3, 4, 4}

	_, tail := p.join(clip, ChainToken{}, frames, channels, false)

	if len(tail) != frames*channels {
		t.Fatalf("tail length: got %d, want %d (frames*channels)", len(tail), frames*channels)
	}
}

func TestJoinFirstClipHasNoLeadingCrossfade(t *testing.T) {
	p := &Processor{Config: defaultTestConfig()}
	fade := 3
	clip := []float32{0, 1, 2, 3, 4, 5, 6, 7}

	joined, tail := p.join(clip, ChainToken{}, fade, 1, false)

	if len(joined) != len(clip)-fade {
		t.Fatalf("expected head to withhold the trailing %d samples, got len %d", fade, len(joined))
	}
	if len(tail) != fade {
		t.Fatalf("tail length: got %d, want %d", len(tail), fade)
	}
	for i, v := range tail {
		want := clip[len(clip)-fade+i]
		if v != want {
			t.Errorf("tail[%d]: got %v, want %v", i, v, want)
		}
	}
}

func TestJoinFinalClipFlushesTail(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Repeat = false // a job is only final when repeat is off
	p := &Processor{Config: cfg}
	fade := 2
	clip := []float32{1, 2, 3, 4, 5, 6}

	joined, _ := p.join(clip, ChainToken{}, fade, 1, true)

	wantLen := len(clip) // head (len-fade) + appended tail (fade) == len(clip)
	if len(joined) != wantLen {
		t.Fatalf("final clip should flush its own tail, got len %d want %d", len(joined), wantLen)
	}
}

func TestClipTimingFallsBackToFullSongWhenClipLongerThanDuration(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.ClipLength = 999
	p := &Processor{Config: cfg}

	_, clipLen, wantsWindow := p.clipTiming(songOfLength(30))
	if wantsWindow {
		t.Errorf("expected full-song fallback when clip_length exceeds duration")
	}
	if clipLen != 30 {
		t.Errorf("clipLen: got %v, want song duration 30", clipLen)
	}
}

func TestClipTimingFallsBackWhenDurationUnknown(t *testing.T) {
	cfg := defaultTestConfig()
	p := &Processor{Config: cfg}

	_, _, wantsWindow := p.clipTiming(songOfLength(0))
	if wantsWindow {
		t.Errorf("expected full-song fallback when duration is unknown (0)")
	}
}

func TestClipTimingStaysWithinBounds(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.ClipLength = 10
	p := New(cfg, nil, nil, nil)

	song := songOfLength(60)
	for i := 0; i < 50; i++ {
		start, clipLen, wantsWindow := p.clipTiming(song)
		if !wantsWindow {
			t.Fatalf("expected windowed clip")
		}
		if start < 0 || start+clipLen > float64(song.DurationSeconds) {
			t.Fatalf("clip window out of bounds: start=%v clipLen=%v duration=%v", start, clipLen, song.DurationSeconds)
		}
	}
}

func TestPCMFloat32RoundTrip16Bit(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1, -1}
	pcm := float32ToPCM16(samples)
	back := pcmBytesToFloat32(pcm, 16)

	if len(back) != len(samples) {
		t.Fatalf("length mismatch: got %d, want %d", len(back), len(samples))
	}
	for i := range samples {
		if math.Abs(float64(back[i]-samples[i])) > 0.001 {
			t.Errorf("sample %d: got %v, want %v", i, back[i], samples[i])
		}
	}
}
