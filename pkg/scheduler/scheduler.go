// Package scheduler implements the Scheduler (spec.md §4.4): the admission
// loop that decides which songs to submit to the clip-processing worker pool,
// in what order, and when the stream is done.
//
// The worker pool shape (context.WithCancel, a sync.WaitGroup of workers
// draining a job channel, Stop() cancelling and waiting) follows
// dgnsrekt-glow-tts's TTSAudioQueue.startWorkers/Stop pattern.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/kallio-sound/gapstream/pkg/types"
)

// ChainToken is the predecessor/successor handoff token (types.ChainToken),
// re-exported here so ClipProcessor implementations (real or fake) can spell
// it without importing pkg/types directly.
type ChainToken = types.ChainToken

// ClipProcessor is the subset of clipprocessor.Processor the scheduler drives
// jobs into — narrowed to an interface so tests can substitute a fake.
type ClipProcessor interface {
	Process(ctx context.Context, job types.ClipJob) error
}

// Config controls admission policy (spec.md §4.4, §6's AudioConfig fields
// that bear on it).
type Config struct {
	BufferSeconds   float64
	WorkerCount     int
	QueueCapacity   int     // processed_queue.capacity, bounds worker pool size
	Shuffle         bool
	Repeat          bool
	EvalInterval    time.Duration // default 500ms per spec.md §4.4
	CandidateFactor int           // "2 x worker_count" candidates per round
	ClipSeconds     float64       // expected processed-clip duration (clip_length), for queued_seconds accounting
}

// DefaultConfig returns spec.md §4.4's defaults.
func DefaultConfig() Config {
	return Config{
		BufferSeconds:   20,
		WorkerCount:     4,
		QueueCapacity:   4,
		Shuffle:         true,
		Repeat:          true,
		EvalInterval:    500 * time.Millisecond,
		CandidateFactor: 2,
		ClipSeconds:     30,
	}
}

// Scheduler runs the admission loop and worker pool.
type Scheduler struct {
	cfg       Config
	songs     []types.Song
	processor ClipProcessor
	logger    *slog.Logger
	rand      *rand.Rand

	jobs      chan types.ClipJob
	lastChain chan ChainToken // NextChain of the most recently submitted job; nil before the first submit

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	processedIDs    map[string]bool
	inFlight        []string
	admittedOrder   []string // admission order, for cycle rollover's "recent" tail
	lastAdmittedID  string
	hasLastAdmitted bool
	lastCycleRecent map[string]bool
	cycleIndex      int
	lengths         []float64 // queued-seconds compensation deque

	queueLen func() int // current ProcessedClipsQueue depth, for queued_seconds

	onComplete     func() // invoked once, when the final admitted job's Process call returns
	completeCalled bool
}

// New builds a Scheduler. queueLen reports the live ProcessedClipsQueue depth
// so the admission loop's queued_seconds accounting stays synchronized to the
// external queue (spec.md §4.4's "bounded compensation rule").
func New(cfg Config, songs []types.Song, processor ClipProcessor, queueLen func() int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.WorkerCount
	if workers > cfg.QueueCapacity {
		workers = cfg.QueueCapacity
	}
	if workers < 1 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:             cfg,
		songs:           songs,
		processor:       processor,
		logger:          logger,
		rand:            rand.New(rand.NewSource(time.Now().UnixNano())),
		jobs:            make(chan types.ClipJob, workers),
		ctx:             ctx,
		cancel:          cancel,
		processedIDs:    make(map[string]bool),
		lastCycleRecent: make(map[string]bool),
		queueLen:        queueLen,
	}
}

// OnComplete registers f to run once the final admitted job's
// ClipProcessor.Process call returns (spec.md §4.4's terminal-signaling
// rule: repeat off, every song admitted, last job drained). Must be called
// before Start.
func (s *Scheduler) OnComplete(f func()) {
	s.mu.Lock()
	s.onComplete = f
	s.mu.Unlock()
}

// Start launches the worker pool and the admission loop.
func (s *Scheduler) Start() {
	workers := cap(s.jobs)
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.runWorker(i)
	}
	s.wg.Add(1)
	go s.admissionLoop()
}

// Stop cancels the admission loop and worker pool and waits for them to
// drain, mirroring TTSAudioQueue.Stop()'s cancel-then-wait shape.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) runWorker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			err := s.processor.Process(s.ctx, job)
			s.jobDone(job.Song.ID)
			if err != nil {
				s.logger.Error("clip job failed", "song_id", job.Song.ID, "worker", id, "error", err)
			}
			if job.IsFinal {
				s.fireComplete()
			}
		}
	}
}

// jobDone removes a completed song from in_flight, letting
// compensateLengths' deque shrink as ProcessedClipsQueue absorbs the result.
func (s *Scheduler) jobDone(songID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.inFlight {
		if id == songID {
			s.inFlight = append(s.inFlight[:i], s.inFlight[i+1:]...)
			break
		}
	}
}

// admissionLoop implements spec.md §4.4's admission loop, evaluating every
// EvalInterval.
func (s *Scheduler) admissionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.evaluate() {
				return // terminal: all songs admitted, repeat off
			}
		}
	}
}

// evaluate runs one admission round. Returns true once the stream has
// reached its terminal state (repeat off and every song admitted).
func (s *Scheduler) evaluate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.compensateLengths()

	for s.queuedSeconds() < s.cfg.BufferSeconds {
		if len(s.processedIDs) >= len(s.songs) {
			if s.cfg.Repeat {
				s.cycleRollover()
				continue
			}
			return true
		}

		candidates := s.pickCandidates()
		if len(candidates) == 0 {
			return false
		}

		ordered := candidates
		if s.cfg.Shuffle {
			ordered = s.shuffleWithHistory(candidates)
		}

		for i, song := range ordered {
			isLastOverall := !s.cfg.Repeat && len(s.processedIDs)+1 >= len(s.songs) && i == len(ordered)-1
			s.submit(song, isLastOverall)
		}
	}
	return false
}

// compensateLengths implements spec.md §4.4's "drop head entries until
// len(lengths) == in_flight + processed_queue.size" rule.
func (s *Scheduler) compensateLengths() {
	want := len(s.inFlight)
	if s.queueLen != nil {
		want += s.queueLen()
	}
	for len(s.lengths) > want {
		s.lengths = s.lengths[1:]
	}
}

func (s *Scheduler) queuedSeconds() float64 {
	var total float64
	for _, l := range s.lengths {
		total += l
	}
	return total
}

// pickCandidates selects up to 2*worker_count songs not yet processed or
// in flight.
func (s *Scheduler) pickCandidates() []types.Song {
	limit := s.cfg.CandidateFactor * s.cfg.WorkerCount
	if limit <= 0 {
		limit = len(s.songs)
	}

	inFlightSet := make(map[string]bool, len(s.inFlight))
	for _, id := range s.inFlight {
		inFlightSet[id] = true
	}

	var candidates []types.Song
	for _, song := range s.songs {
		if s.processedIDs[song.ID] || inFlightSet[song.ID] {
			continue
		}
		candidates = append(candidates, song)
		if len(candidates) >= limit {
			break
		}
	}
	return candidates
}

// shuffleWithHistory implements spec.md §4.4's partition-and-shuffle rule:
// recent-from-last-cycle songs are shuffled separately and placed last, so a
// new cycle never opens with the songs that just closed the previous one.
func (s *Scheduler) shuffleWithHistory(candidates []types.Song) []types.Song {
	var recent, others []types.Song
	for _, song := range candidates {
		if s.lastCycleRecent[song.ID] {
			recent = append(recent, song)
		} else {
			others = append(others, song)
		}
	}
	s.rand.Shuffle(len(others), func(i, j int) { others[i], others[j] = others[j], others[i] })
	s.rand.Shuffle(len(recent), func(i, j int) { recent[i], recent[j] = recent[j], recent[i] })
	return append(others, recent...)
}

// submit enqueues one song as a ClipJob, wiring the prev_song_id chain and
// the queued-seconds deque (caller holds s.mu).
//
// The crossfade handoff is keyed per-job rather than through one channel
// shared by the worker pool: own is this job's NextChain, read by whichever
// job gets submitted next, and s.lastChain (the previous submit's own) is
// this job's PrevChain. Because submit is only called from the admission
// loop, in admission order, and wires the chain under s.mu, a song's tail can
// only ever reach its actual successor, regardless of WorkerCount or
// goroutine scheduling order.
func (s *Scheduler) submit(song types.Song, isFinal bool) {
	own := make(chan ChainToken, 1)
	job := types.ClipJob{
		Song:       song,
		PrevSongID: s.lastAdmittedID,
		HasPrev:    s.hasLastAdmitted,
		IsFinal:    isFinal,
		PrevChain:  s.lastChain,
		NextChain:  own,
	}

	s.lastAdmittedID = song.ID
	s.hasLastAdmitted = true
	s.lastChain = own
	s.processedIDs[song.ID] = true
	s.inFlight = append(s.inFlight, song.ID)
	s.admittedOrder = append(s.admittedOrder, song.ID)
	s.lengths = append(s.lengths, s.clipSeconds(song))

	// Release s.mu while waiting for a free job slot: workers take s.mu in
	// jobDone, so holding it across a blocked send would deadlock the pool.
	s.mu.Unlock()
	select {
	case s.jobs <- job:
	case <-s.ctx.Done():
	}
	s.mu.Lock()
}

// clipSeconds estimates the duration a song's ProcessedClip will occupy in
// the queue: ClipSeconds, unless the song is shorter (full-song fallback),
// mirroring clipprocessor's clipTiming bound (spec.md §4.4's queued_seconds
// is the sum of clip durations, not song durations).
func (s *Scheduler) clipSeconds(song types.Song) float64 {
	clip := s.cfg.ClipSeconds
	full := float64(song.DurationSeconds)
	if clip <= 0 || (full > 0 && clip > full) {
		return full
	}
	return clip
}

// cycleRollover implements spec.md §4.4's cycle rollover (caller holds s.mu).
func (s *Scheduler) cycleRollover() {
	recentCount := len(s.songs) / 3

	tail := make([]string, 0, recentCount)
	for i := len(s.inFlight) - 1; i >= 0 && len(tail) < recentCount; i-- {
		tail = append(tail, s.inFlight[i])
	}
	for i := len(s.admittedOrder) - 1; i >= 0 && len(tail) < recentCount; i-- {
		tail = append(tail, s.admittedOrder[i])
	}

	s.lastCycleRecent = make(map[string]bool, len(tail))
	for _, id := range tail {
		s.lastCycleRecent[id] = true
	}

	s.processedIDs = make(map[string]bool)
	s.admittedOrder = nil
	s.cycleIndex++
}

// fireComplete invokes onComplete at most once, guarding against IsFinal
// being set on more than one job (it shouldn't be, but a double-fire would
// double-push the terminal sentinel).
func (s *Scheduler) fireComplete() {
	s.mu.Lock()
	f := s.onComplete
	already := s.completeCalled
	s.completeCalled = true
	s.mu.Unlock()

	if f != nil && !already {
		f()
	}
}

// String aids log lines; mirrors dgnsrekt-glow-tts's %v-friendly state dumps.
func (s *Scheduler) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("scheduler{cycle=%d processed=%d in_flight=%d}", s.cycleIndex, len(s.processedIDs), len(s.inFlight))
}
