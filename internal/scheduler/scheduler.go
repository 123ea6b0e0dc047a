// Package scheduler is the design center of the painter: it matches
// ready credentials to divergent pixels, enforcing cooldown and
// position locks, scanning the target map with a rotating cursor
// (§4.9).
package scheduler

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/paintgrid/painter/internal/config"
	"github.com/paintgrid/painter/internal/stats"
	"github.com/paintgrid/painter/internal/targetmap"
	"github.com/paintgrid/painter/internal/wire"
)

// activeTaskTTL bounds how long an ActiveTask is kept purely for
// paint-result correlation before being expired (§3, §4.4).
const activeTaskTTL = 5 * time.Second

// lockGCInterval is how often PositionLock is swept for expired entries
// (§5: "every 1000 iterations").
const lockGCInterval = 1000

// CredentialSource is the subset of internal/credential.Manager the
// scheduler needs.
type CredentialSource interface {
	ReadyCredentials(now time.Time, cooldown time.Duration) []int
	MarkUsed(uid int, now time.Time)
	Token(uid int) ([16]byte, bool)
}

// Mirror is the subset of internal/canvasmirror.Mirror the scheduler
// needs.
type Mirror interface {
	Get(pos targetmap.Pos) (targetmap.Color, bool)
	Wake() <-chan struct{}
}

// Enqueuer hands an encoded frame to the transport layer.
type Enqueuer interface {
	Enqueue(frame []byte) bool
}

// ResultCredentials is the subset of internal/credential.Manager used
// to react to a decoded paint result.
type ResultCredentials interface {
	ResetFailCount(uid int)
	RecordFailure(uid int)
	MarkInvalid(uid int)
}

// ActiveTask correlates a submitted paint frame with its eventual
// 0xff result. It is never consulted to decide assignments (§3).
type ActiveTask struct {
	PaintID     uint32
	Pos         targetmap.Pos
	Color       targetmap.Color
	UID         int
	SubmittedAt time.Time
}

// Config bundles the scheduler's fixed inputs.
type Config struct {
	Credentials CredentialSource
	Mirror      Mirror
	Target      *targetmap.TargetMap
	Layers      []targetmap.Layer // same slice passed to targetmap.Compose, for per-position ScanMode
	Pool        Enqueuer
	Stats       *stats.Stats
	Cooldown    time.Duration
	Logger      *slog.Logger
}

// Scheduler runs the single cooperative allocation loop (§4.9). It is
// not safe for concurrent use by more than one goroutine calling Tick;
// HandlePaintResult may be called concurrently from a connection's
// receive loop since it only touches the mutex-guarded task/lock maps.
type Scheduler struct {
	creds  CredentialSource
	mirror Mirror
	target *targetmap.TargetMap
	layers []targetmap.Layer
	pool   Enqueuer
	stats  *stats.Stats
	cooldown time.Duration
	logger *slog.Logger

	scanOrder  []targetmap.Pos
	scanCursor int
	iterations int

	mu          sync.Mutex
	locks       map[targetmap.Pos]time.Time
	activeByPos map[targetmap.Pos]ActiveTask
	activeByID  map[uint32]ActiveTask
	strictHead  *list.List // positions re-queued at the cursor head (scan_mode=strict)
	loopTail    []targetmap.Pos // positions appended to the tail (scan_mode=loop)

	paintID uint32 // wraps mod 2^32 by plain overflow
}

// New builds a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		creds:       cfg.Credentials,
		mirror:      cfg.Mirror,
		target:      cfg.Target,
		layers:      cfg.Layers,
		pool:        cfg.Pool,
		stats:       cfg.Stats,
		cooldown:    cfg.Cooldown,
		logger:      cfg.Logger,
		scanOrder:   cfg.Target.ScanOrder(),
		locks:       make(map[targetmap.Pos]time.Time),
		activeByPos: make(map[targetmap.Pos]ActiveTask),
		activeByID:  make(map[uint32]ActiveTask),
		strictHead:  list.New(),
	}
}

// nextMaxSteps implements §4.9 step 3: min(total_targets, ready*K) with
// K = 20 for ready<=50, else 50 (bias toward filling many ready
// credentials when there are many).
func nextMaxSteps(totalTargets, ready int) int {
	k := 20
	if ready > 50 {
		k = 50
	}
	steps := ready * k
	if steps > totalTargets {
		steps = totalTargets
	}
	return steps
}

func (s *Scheduler) nextPaintID() uint32 {
	s.paintID++
	return s.paintID
}

// scanModeAt returns the ScanMode of the layer owning pos, defaulting to
// Normal if pos is unclaimed (shouldn't happen for positions drawn from
// scanOrder, which only ever contains claimed coordinates).
func (s *Scheduler) scanModeAt(pos targetmap.Pos) config.ScanMode {
	idx, ok := s.target.Owner(pos)
	if !ok || idx < 0 || idx >= len(s.layers) {
		return config.ScanNormal
	}
	return s.layers[idx].ScanMode
}

// candidatePositions returns the positions to consider this tick: first
// any strict re-queued positions, then the live scan window starting at
// scanCursor (wrapping), advancing scanCursor past the consumed span, and
// finally any loop-tail positions once the scan window wraps past the end
// of scanOrder. Strict and scan-window positions together number at most
// maxSteps; loop-tail positions are added on top.
func (s *Scheduler) candidatePositions(maxSteps int) []targetmap.Pos {
	if len(s.scanOrder) == 0 || maxSteps <= 0 {
		return nil
	}

	var out []targetmap.Pos

	s.mu.Lock()
	for s.strictHead.Len() > 0 && len(out) < maxSteps {
		e := s.strictHead.Front()
		s.strictHead.Remove(e)
		out = append(out, e.Value.(targetmap.Pos))
	}
	s.mu.Unlock()

	remaining := maxSteps - len(out)
	n := len(s.scanOrder)
	for i := 0; i < remaining && i < n; i++ {
		pos := s.scanOrder[(s.scanCursor+i)%n]
		out = append(out, pos)
	}
	wrapped := s.scanCursor+remaining >= n
	s.scanCursor = (s.scanCursor + remaining) % n

	if wrapped {
		s.mu.Lock()
		if len(s.loopTail) > 0 {
			out = append(out, s.loopTail...)
			s.loopTail = nil
		}
		s.mu.Unlock()
	}

	return out
}

// Tick runs one allocation pass (§4.9 steps 1-6) and returns the number
// of paint frames assigned.
func (s *Scheduler) Tick(now time.Time) int {
	ready := s.creds.ReadyCredentials(now, s.cooldown)
	if len(ready) == 0 {
		return 0
	}

	maxSteps := nextMaxSteps(len(s.scanOrder), len(ready))
	positions := s.candidatePositions(maxSteps)

	assigned := 0
	readyIdx := 0

	for _, pos := range positions {
		if readyIdx >= len(ready) {
			break
		}
		if s.isSatisfied(pos) {
			continue
		}
		if s.isLocked(pos, now) {
			continue
		}

		uid := ready[readyIdx]
		token, ok := s.creds.Token(uid)
		if !ok {
			continue
		}
		readyIdx++

		color, ok := s.target.Color(pos)
		if !ok {
			continue
		}

		paintID := s.nextPaintID()
		frame := wire.PaintFrame{
			X: uint16(pos.X), Y: uint16(pos.Y),
			R: color.R, G: color.G, B: color.B,
			UID: uint32(uid), Token: token, PaintID: paintID,
		}
		s.pool.Enqueue(wire.EncodePaintFrame(frame))

		s.creds.MarkUsed(uid, now)
		s.setLock(pos, now.Add(s.cooldown))
		s.recordActiveTask(ActiveTask{PaintID: paintID, Pos: pos, Color: color, UID: uid, SubmittedAt: now})

		if layerIdx, ok := s.target.Owner(pos); ok && s.stats != nil {
			s.stats.RecordSubmitted(layerIdx)
		}

		assigned++
	}

	s.iterations++
	if s.iterations%lockGCInterval == 0 {
		s.gcLocks(now)
		s.gcActiveTasks(now)
	}

	return assigned
}

func (s *Scheduler) isSatisfied(pos targetmap.Pos) bool {
	target, ok := s.target.Color(pos)
	if !ok {
		return true
	}
	current, ok := s.mirror.Get(pos)
	return ok && current == target
}

func (s *Scheduler) isLocked(pos targetmap.Pos, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.locks[pos]
	if !ok {
		return false
	}
	if now.After(deadline) {
		delete(s.locks, pos)
		if s.scanModeAt(pos) == config.ScanStrict && !s.isSatisfied(pos) {
			s.strictHead.PushBack(pos)
		}
		return false
	}
	return true
}

func (s *Scheduler) setLock(pos targetmap.Pos, deadline time.Time) {
	s.mu.Lock()
	s.locks[pos] = deadline
	s.mu.Unlock()
}

func (s *Scheduler) gcLocks(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pos, deadline := range s.locks {
		if now.After(deadline) {
			delete(s.locks, pos)
		}
	}
}

func (s *Scheduler) recordActiveTask(t ActiveTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeByPos[t.Pos] = t
	s.activeByID[t.PaintID] = t
}

func (s *Scheduler) gcActiveTasks(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.activeByID {
		if now.Sub(t.SubmittedAt) > activeTaskTTL {
			delete(s.activeByID, id)
			delete(s.activeByPos, t.Pos)
		}
	}
}

// HandlePaintResult dispatches a decoded 0xff record per §7's error
// table. It does not gate progress on the result (§4.9: "submitted" is
// the enqueue instant, not confirmation) — it records success/failure
// stats, resets or increments fail counters, marks the credential
// invalid on 0xed, and, for scan_mode loop, requeues the position.
func (s *Scheduler) HandlePaintResult(res wire.PaintResult, creds ResultCredentials) {
	s.mu.Lock()
	task, ok := s.activeByID[res.PaintID]
	if ok {
		delete(s.activeByID, res.PaintID)
		if cur, posOk := s.activeByPos[task.Pos]; posOk && cur.PaintID == task.PaintID {
			delete(s.activeByPos, task.Pos)
		}
	}
	s.mu.Unlock()

	switch res.Status {
	case wire.StatusSuccess:
		if s.stats != nil {
			s.stats.RecordSuccess()
		}
		if ok {
			creds.ResetFailCount(task.UID)
		}
	case wire.StatusTokenInvalid:
		if ok {
			creds.MarkInvalid(task.UID)
		}
	case wire.StatusCooldown:
		// Silently ignored: expected under race conditions (§7).
	default: // StatusServerError, StatusUnauthorized, StatusMalformed
		if s.stats != nil {
			s.stats.RecordFailure(res.Status)
		}
		if ok {
			creds.RecordFailure(task.UID)
			if s.scanModeAt(task.Pos) == config.ScanLoop && !s.isSatisfied(task.Pos) {
				s.mu.Lock()
				s.loopTail = append(s.loopTail, task.Pos)
				s.mu.Unlock()
			}
		}
	}
}

// RunLoop drives Tick continuously, sleeping briefly when no credential
// is ready (§4.9 step 2: "sleep ~1ms and retry"), until ctx is
// cancelled. It also selects on the mirror's wake channel purely to
// avoid an unnecessary 1ms sleep when a relevant board update just
// landed.
func (s *Scheduler) RunLoop(ctx context.Context) {
	const idleSleep = time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		assigned := s.Tick(time.Now())
		if assigned > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.mirror.Wake():
		case <-time.After(idleSleep):
		}
	}
}

// SuccessCount is used by the supervisor's zero-growth stall check via
// the shared Stats struct; kept here as a thin accessor so the
// supervisor does not need to import internal/stats directly for this
// one read.
func (s *Scheduler) SuccessCount() int64 {
	if s.stats == nil {
		return 0
	}
	return s.stats.Snapshot().Succeeded
}
