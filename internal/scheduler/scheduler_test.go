package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/paintgrid/painter/internal/config"
	"github.com/paintgrid/painter/internal/targetmap"
	"github.com/paintgrid/painter/internal/wire"
)

// fakeCreds is a minimal CredentialSource + ResultCredentials double.
type fakeCreds struct {
	mu       sync.Mutex
	lastUse  map[int]time.Time
	invalid  map[int]bool
	tokens   map[int][16]byte
	fails    map[int]int
}

func newFakeCreds(uids ...int) *fakeCreds {
	f := &fakeCreds{
		lastUse: make(map[int]time.Time),
		invalid: make(map[int]bool),
		tokens:  make(map[int][16]byte),
		fails:   make(map[int]int),
	}
	for _, u := range uids {
		f.tokens[u] = [16]byte{byte(u)}
	}
	return f
}

func (f *fakeCreds) ReadyCredentials(now time.Time, cooldown time.Duration) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ready []int
	for uid := range f.tokens {
		if f.invalid[uid] {
			continue
		}
		if now.Sub(f.lastUse[uid]) >= cooldown {
			ready = append(ready, uid)
		}
	}
	// deterministic order for test assertions
	for i := range ready {
		for j := i + 1; j < len(ready); j++ {
			if ready[j] < ready[i] {
				ready[i], ready[j] = ready[j], ready[i]
			}
		}
	}
	return ready
}

func (f *fakeCreds) MarkUsed(uid int, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUse[uid] = now
}

func (f *fakeCreds) Token(uid int) ([16]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[uid]
	return t, ok
}

func (f *fakeCreds) ResetFailCount(uid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[uid] = 0
}

func (f *fakeCreds) RecordFailure(uid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[uid]++
}

func (f *fakeCreds) MarkInvalid(uid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid[uid] = true
}

// fakeMirror is a minimal Mirror double.
type fakeMirror struct {
	mu     sync.Mutex
	pixels map[targetmap.Pos]targetmap.Color
	wake   chan struct{}
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{pixels: make(map[targetmap.Pos]targetmap.Color), wake: make(chan struct{}, 1)}
}

func (m *fakeMirror) Get(pos targetmap.Pos) (targetmap.Color, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.pixels[pos]
	return c, ok
}

func (m *fakeMirror) Set(pos targetmap.Pos, c targetmap.Color) {
	m.mu.Lock()
	m.pixels[pos] = c
	m.mu.Unlock()
}

func (m *fakeMirror) Wake() <-chan struct{} { return m.wake }

// fakePool records every enqueued frame.
type fakePool struct {
	mu     sync.Mutex
	frames []wire.PaintFrame
}

func (p *fakePool) Enqueue(frame []byte) bool {
	f, err := wire.DecodePaintFrame(frame)
	if err != nil {
		return false
	}
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
	return true
}

func (p *fakePool) Frames() []wire.PaintFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]wire.PaintFrame, len(p.frames))
	copy(out, p.frames)
	return out
}

func solidLayer(w, h int, origin targetmap.Pos, color targetmap.Color) targetmap.Layer {
	pixels := make([]targetmap.Pixel, w*h)
	for i := range pixels {
		pixels[i] = targetmap.Pixel{R: color.R, G: color.G, B: color.B, A: 255}
	}
	return targetmap.Layer{
		Kind: config.ImageFile, Origin: origin, Width: w, Height: h,
		Pixels: pixels, DrawMode: config.DrawHorizontal, ScanMode: config.ScanNormal,
		Weight: 1, Enabled: true,
	}
}

// TestSchedulerSinglePixelConvergence is S1: one credential, one
// divergent pixel; expect exactly one frame with the expected fields.
func TestSchedulerSinglePixelConvergence(t *testing.T) {
	layers := []targetmap.Layer{solidLayer(1, 1, targetmap.Pos{10, 20}, targetmap.Color{255, 0, 0})}
	tm := targetmap.Compose(layers, false)

	creds := newFakeCreds(42)
	mirror := newFakeMirror()
	mirror.Set(targetmap.Pos{10, 20}, targetmap.Color{0, 0, 0})
	pool := &fakePool{}

	s := New(Config{
		Credentials: creds, Mirror: mirror, Target: tm, Layers: layers,
		Pool: pool, Cooldown: time.Second,
	})

	now := time.Now()
	assigned := s.Tick(now)
	if assigned != 1 {
		t.Fatalf("expected 1 assignment, got %d", assigned)
	}
	frames := pool.Frames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame enqueued, got %d", len(frames))
	}
	f := frames[0]
	if f.X != 10 || f.Y != 20 || f.R != 255 || f.G != 0 || f.B != 0 || f.UID != 42 {
		t.Fatalf("unexpected frame: %+v", f)
	}

	// Mirror now matches target: satisfied, no further assignment even
	// with the credential back in the ready pool.
	mirror.Set(targetmap.Pos{10, 20}, targetmap.Color{255, 0, 0})
	if assigned := s.Tick(now.Add(2 * time.Second)); assigned != 0 {
		t.Fatalf("expected no further assignment once satisfied, got %d", assigned)
	}
}

// TestSchedulerCooldownStarvation is S2: one credential, 10s cooldown,
// many divergent pixels; exactly one frame per cooldown period.
func TestSchedulerCooldownStarvation(t *testing.T) {
	var layerPixels []targetmap.Pixel
	for i := 0; i < 100; i++ {
		layerPixels = append(layerPixels, targetmap.Pixel{R: 1, G: 2, B: 3, A: 255})
	}
	layer := targetmap.Layer{
		Kind: config.ImageFile, Origin: targetmap.Pos{0, 0}, Width: 100, Height: 1,
		Pixels: layerPixels, DrawMode: config.DrawHorizontal, Weight: 1, Enabled: true,
	}
	tm := targetmap.Compose([]targetmap.Layer{layer}, false)

	creds := newFakeCreds(1)
	mirror := newFakeMirror()
	pool := &fakePool{}
	cooldown := 10 * time.Second

	s := New(Config{Credentials: creds, Mirror: mirror, Target: tm, Layers: []targetmap.Layer{layer}, Pool: pool, Cooldown: cooldown})

	t0 := time.Now()
	if n := s.Tick(t0); n != 1 {
		t.Fatalf("expected exactly 1 frame at t=0, got %d", n)
	}
	if n := s.Tick(t0.Add(5 * time.Second)); n != 0 {
		t.Fatalf("expected 0 frames mid-cooldown, got %d", n)
	}
	if n := s.Tick(t0.Add(10*time.Second + time.Millisecond)); n != 1 {
		t.Fatalf("expected exactly 1 frame once cooldown elapses, got %d", n)
	}
}

// TestSchedulerPositionLockPreventsDoubleAssignment checks that a
// position just assigned isn't immediately reassigned to a second ready
// credential before its lock expires.
func TestSchedulerPositionLockPreventsDoubleAssignment(t *testing.T) {
	layers := []targetmap.Layer{solidLayer(1, 1, targetmap.Pos{5, 5}, targetmap.Color{9, 9, 9})}
	tm := targetmap.Compose(layers, false)

	creds := newFakeCreds(1, 2)
	mirror := newFakeMirror()
	pool := &fakePool{}

	s := New(Config{Credentials: creds, Mirror: mirror, Target: tm, Layers: layers, Pool: pool, Cooldown: time.Millisecond})

	now := time.Now()
	n := s.Tick(now)
	if n != 1 {
		t.Fatalf("expected exactly 1 assignment (only 1 divergent position), got %d", n)
	}

	// The second credential is still ready, but the position stays
	// locked until now+cooldown.
	if n := s.Tick(now); n != 0 {
		t.Fatalf("expected locked position not to be reassigned, got %d assignments", n)
	}
}

func TestHandlePaintResultResetsFailCount(t *testing.T) {
	layers := []targetmap.Layer{solidLayer(1, 1, targetmap.Pos{1, 1}, targetmap.Color{1, 1, 1})}
	tm := targetmap.Compose(layers, false)
	creds := newFakeCreds(7)
	mirror := newFakeMirror()
	pool := &fakePool{}
	s := New(Config{Credentials: creds, Mirror: mirror, Target: tm, Layers: layers, Pool: pool, Cooldown: time.Second})

	s.Tick(time.Now())
	frames := pool.Frames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}

	creds.RecordFailure(7)
	s.HandlePaintResult(wire.PaintResult{PaintID: frames[0].PaintID, Status: wire.StatusSuccess}, creds)
	if creds.fails[7] != 0 {
		t.Fatalf("expected fail count reset to 0, got %d", creds.fails[7])
	}
}

func TestHandlePaintResultTokenInvalidMarksInvalid(t *testing.T) {
	layers := []targetmap.Layer{solidLayer(1, 1, targetmap.Pos{1, 1}, targetmap.Color{1, 1, 1})}
	tm := targetmap.Compose(layers, false)
	creds := newFakeCreds(7)
	mirror := newFakeMirror()
	pool := &fakePool{}
	s := New(Config{Credentials: creds, Mirror: mirror, Target: tm, Layers: layers, Pool: pool, Cooldown: time.Second})

	s.Tick(time.Now())
	frames := pool.Frames()
	s.HandlePaintResult(wire.PaintResult{PaintID: frames[0].PaintID, Status: wire.StatusTokenInvalid}, creds)

	if !creds.invalid[7] {
		t.Fatal("expected credential to be marked invalid on 0xed result")
	}
}

func TestNextMaxSteps(t *testing.T) {
	if got := nextMaxSteps(1000, 10); got != 200 {
		t.Errorf("expected 10*20=200, got %d", got)
	}
	if got := nextMaxSteps(1000, 100); got != 1000 {
		t.Errorf("expected cap at total_targets=1000 (100*50=5000), got %d", got)
	}
	if got := nextMaxSteps(10, 1); got != 10 {
		t.Errorf("expected cap at total_targets=10, got %d", got)
	}
}
