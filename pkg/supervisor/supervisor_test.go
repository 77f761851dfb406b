package supervisor

import (
	"sync"
	"testing"
)

func newTestSupervisor() *Supervisor {
	return &Supervisor{}
}

func TestEmitHigherPriorityDisplays(t *testing.T) {
	var mu sync.Mutex
	var got []string
	s := newTestSupervisor()
	s.onStatus = func(line string) {
		mu.Lock()
		got = append(got, line)
		mu.Unlock()
	}

	s.emit("processing:%s", "songA") // priority 4
	s.emit("buffering:%s:%d", "songA", 50) // priority 5, higher, displays
	s.emit("processing:%s", "songB") // priority 4, lower than current 5, suppressed

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 displayed lines, got %d: %v", len(got), got)
	}
	if got[1] != "buffering:songA:50" {
		t.Errorf("expected buffering line second, got %q", got[1])
	}
}

func TestEmitErrorAlwaysDisplays(t *testing.T) {
	var got []string
	s := newTestSupervisor()
	s.onStatus = func(line string) { got = append(got, line) }

	s.emit("playing:%s:%s", "songA", "Title A") // priority 6
	s.emit("error:%s:%s", "songB", "fetch failed")
	s.emit("audio:%s", "underrun") // priority 2, lower, but...

	if len(got) != 2 {
		t.Fatalf("expected playing + error to display, got %v", got)
	}
	if got[1] != "error:songB:fetch failed" {
		t.Errorf("expected error line, got %q", got[1])
	}
}

func TestEmitControlMessagesAlwaysDisplay(t *testing.T) {
	var got []string
	s := newTestSupervisor()
	s.onStatus = func(line string) { got = append(got, line) }

	s.emit("playing:%s:%s", "songA", "Title A")
	s.emit("loader:complete")
	s.emit("playback:complete")

	if len(got) != 3 {
		t.Fatalf("expected all 3 to display (control messages always surface), got %v", got)
	}
}

func TestStatusHistoryRecordsSuppressedLinesToo(t *testing.T) {
	s := newTestSupervisor()

	s.emit("playing:%s:%s", "songA", "Title A")
	s.emit("processing:%s", "songB") // suppressed from display, still recorded

	hist := s.StatusHistory()
	if len(hist) != 2 {
		t.Fatalf("expected 2 history entries, got %d: %v", len(hist), hist)
	}
}

func TestCommandUnknownIsDropped(t *testing.T) {
	s := newTestSupervisor()
	// Should not panic even with plyr nil, since "bogus" never reaches it.
	s.Command("bogus")
}

func TestEmitErrorDoesNotRatchetFloorPermanently(t *testing.T) {
	var got []string
	s := newTestSupervisor()
	s.onStatus = func(line string) { got = append(got, line) }

	s.emit("processing:%s", "songA")           // priority 4, displays
	s.emit("error:%s:%s", "songA", "fetch failed") // always displays, leaves floor at 4
	s.emit("buffering:%s:%d", "songA", 50)     // priority 5 >= 4, should still supersede

	if len(got) != 3 {
		t.Fatalf("expected processing, error, and buffering all to display, got %v", got)
	}
	if got[2] != "buffering:songA:50" {
		t.Errorf("expected buffering to surface after the error, got %q", got[2])
	}
}

func TestEmitPlayingWhilePausedIsSuperseded(t *testing.T) {
	var got []string
	paused := false
	s := newTestSupervisor()
	s.onStatus = func(line string) { got = append(got, line) }
	s.isPaused = func() bool { return paused }

	s.emit("playing:%s:%s", "songA", "Title A") // priority 6, displays
	paused = true
	s.emit("audio:%s", "underrun") // priority 2, lower, but playing is now paused

	if len(got) != 2 {
		t.Fatalf("expected paused playing to be superseded by a lower-priority line, got %v", got)
	}
	if got[1] != "audio:underrun" {
		t.Errorf("expected audio line to surface, got %q", got[1])
	}
}

func TestEmitPlayingNotPausedStaysOnTop(t *testing.T) {
	var got []string
	s := newTestSupervisor()
	s.onStatus = func(line string) { got = append(got, line) }
	s.isPaused = func() bool { return false }

	s.emit("playing:%s:%s", "songA", "Title A") // priority 6, displays
	s.emit("audio:%s", "underrun")               // priority 2, lower, not paused: suppressed

	if len(got) != 1 {
		t.Fatalf("expected only the playing line to display while unpaused, got %v", got)
	}
}
