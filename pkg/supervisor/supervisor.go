// Package supervisor owns the pipeline lifecycle (spec.md §4.7): it spawns
// the Scheduler and Player, multiplexes their status lines into a single
// prioritized stream (spec.md §6's status grammar table), and drains both on
// stop with a forced-terminate fallback.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kallio-sound/gapstream/pkg/clipqueue"
	"github.com/kallio-sound/gapstream/pkg/player"
	"github.com/kallio-sound/gapstream/pkg/scheduler"
	"github.com/kallio-sound/gapstream/pkg/types"
)

// drainTimeout bounds how long Stop waits for Scheduler/Player to drain
// before forcing termination (spec.md §4.7).
const drainTimeout = 5 * time.Second

// priority assigns spec.md §6's status-grammar priorities. Unrecognized
// kinds (and control messages) sort below every displayable kind.
var priority = map[string]int{
	"playing":    6,
	"buffering":  5,
	"processing": 4,
	"download":   4,
	"audio":      2,
}

// Supervisor wires Scheduler output into Player input and owns both
// components' lifecycles.
type Supervisor struct {
	sched *scheduler.Scheduler
	plyr  *player.Player
	queue *clipqueue.Queue

	statusMu      sync.Mutex
	currentKind   string
	currentPrio   int
	statusHistory []string

	onStatus func(line string)
	isPaused func() bool // reports Player.Paused(); a func field so tests can substitute a fake

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Supervisor driving processor from a Scheduler admission loop
// over songs, and feeding the Player from queue (spec.md §4.5's
// ProcessedClipsQueue). queue must be the same instance processor was built
// to Put into (clipprocessor.New's Enqueuer argument) — Supervisor does not
// own queue construction since the processor needs it first. onStatus
// receives every line the multiplexer decides to surface (nil is allowed —
// lines are still recorded for StatusHistory).
func New(schedCfg scheduler.Config, playerCfg player.Config, songs []types.Song, queue *clipqueue.Queue, processor scheduler.ClipProcessor, onStatus func(string)) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		queue:    queue,
		onStatus: onStatus,
		ctx:      ctx,
		cancel:   cancel,
	}

	s.plyr = player.New(playerCfg, s.queue, s.emit)
	s.isPaused = s.plyr.Paused
	s.sched = scheduler.New(schedCfg, songs, processor, s.queue.Len, slog.Default())
	s.sched.OnComplete(func() {
		s.queue.Put(types.Sentinel)
		s.emit("loader:complete")
	})

	return s
}

// Start launches the scheduler's admission loop/worker pool and the player's
// filler/command loop and audio stream.
func (s *Supervisor) Start() error {
	s.sched.Start()
	return s.plyr.Start(s.ctx)
}

// Stop sends STOP to the player, cancels the scheduler, and waits up to
// drainTimeout for both to settle before returning — spec.md §4.7's "wait
// <=5s then forcefully terminate" is realized by simply not blocking past the
// timeout: Scheduler.Stop/Player.Stop are called unconditionally and any
// goroutine still running past the timeout is abandoned (their own stop
// channels are already closed, so they will exit as soon as blocking I/O
// unblocks).
func (s *Supervisor) Stop() {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.plyr.Command(player.CmdStop)
		s.sched.Stop()
		s.plyr.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		slog.Warn("supervisor: drain timed out, forcing shutdown")
	}
}

// Command forwards a sequential command string (spec.md §6's command
// channel), mapping it to the Player's typed Command; unknown commands are
// dropped with a warning, per spec.md.
func (s *Supervisor) Command(cmd string) {
	switch strings.ToUpper(strings.TrimSpace(cmd)) {
	case "PAUSE":
		s.plyr.Command(player.CmdPause)
	case "RESUME":
		s.plyr.Command(player.CmdResume)
	case "FORCE_START":
		s.plyr.Command(player.CmdForceStart)
	case "STOP":
		s.Stop()
	default:
		slog.Warn("supervisor: unknown command", "command", cmd)
	}
}

// emit implements spec.md §6's "latest message whose priority >= currently
// displayed one" rule, with error always winning, loader:complete /
// playback:complete passed straight through as control messages, and
// "playing" while paused superseded by anything (a displayed playing:... line
// stays current while the song is paused, and would otherwise pin out
// lower-priority progress lines until playback resumes).
//
// error displays immediately but leaves currentKind/currentPrio untouched:
// it is a flash against whatever floor was already displayed, not a new
// floor. Ratcheting the floor up to errorPriority would mean the first
// error of the stream permanently outranks every later playing/buffering
// line.
func (s *Supervisor) emit(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	kind := line
	if i := strings.IndexByte(line, ':'); i >= 0 {
		kind = line[:i]
	}

	s.statusMu.Lock()
	s.statusHistory = append(s.statusHistory, line)

	pausedOverride := s.currentKind == "playing" && s.isPaused != nil && s.isPaused()

	display := false
	switch kind {
	case "error":
		display = true
	case "loader", "playback":
		display = true // control messages always surface
	default:
		p := priority[kind]
		if p >= s.currentPrio || pausedOverride {
			display = true
			s.currentKind, s.currentPrio = kind, p
		}
	}
	s.statusMu.Unlock()

	if display && s.onStatus != nil {
		s.onStatus(line)
	}
}

// StatusHistory returns every status line emitted so far, in order —
// intended for tests and debugging, not the live display path.
func (s *Supervisor) StatusHistory() []string {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	out := make([]string, len(s.statusHistory))
	copy(out, s.statusHistory)
	return out
}
