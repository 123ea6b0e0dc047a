package estimator

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/paintgrid/painter/internal/stats"
	"github.com/paintgrid/painter/internal/targetmap"
	"github.com/paintgrid/painter/internal/wire"
)

// fakeCreds hands out N always-ready, always-valid credentials.
type fakeCreds struct {
	mu      sync.Mutex
	n       int
	lastUse map[int]time.Time
}

func newFakeCreds(n int) *fakeCreds {
	return &fakeCreds{n: n, lastUse: make(map[int]time.Time)}
}

func (f *fakeCreds) ReadyCredentials(now time.Time, cooldown time.Duration) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ready []int
	for uid := 0; uid < f.n; uid++ {
		if now.Sub(f.lastUse[uid]) >= cooldown {
			ready = append(ready, uid)
		}
	}
	return ready
}

func (f *fakeCreds) MarkUsed(uid int, now time.Time) {
	f.mu.Lock()
	f.lastUse[uid] = now
	f.mu.Unlock()
}

func (f *fakeCreds) Token(uid int) ([16]byte, bool) {
	return [16]byte{byte(uid)}, true
}

// fakeMirror is a mutex-guarded pixel map standing in for canvasmirror.
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

// contestedPool immediately "delivers" a success for every enqueued
// frame (writing straight into the mirror, as if the remote canvas
// confirmed it instantly), simulating a frictionless connection so the
// test only exercises occupancy/efficiency arithmetic, not transport.
type contestedPool struct {
	mirror *fakeMirror
	stats  *stats.Stats
}

func (p *contestedPool) Enqueue(frame []byte) bool {
	f, err := wire.DecodePaintFrame(frame)
	if err != nil {
		return false
	}
	p.mirror.Set(targetmap.Pos{X: int(f.X), Y: int(f.Y)}, targetmap.Color{R: f.R, G: f.G, B: f.B})
	p.stats.RecordSuccess()
	return true
}

// runOpponent paints over a fixed fraction of the probe's pixels on
// every tick, standing in for an opposing actor with effective token
// count Ne and efficiency etaE (S7's "mock opponent").
func runOpponent(ctx context.Context, mirror *fakeMirror, coords []targetmap.Pos, enemyColor targetmap.Color, rate float64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	i := 0
	budget := 0.0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		budget += rate
		for budget >= 1 && len(coords) > 0 {
			budget--
			pos := coords[i%len(coords)]
			i++
			mirror.Set(pos, enemyColor)
		}
	}
}

// TestEstimatorSteadyStateOccupancy is S7: a 50x50 probe, eta_m = 0.9,
// cooldown 30s, N = 50, contested by a synthetic opponent painting at
// Ne = 100 with eta_e = 0.9 toward a different color. Expect p ~= 1/3
// and the eta_e=eta_m interpretation of N_e within +-20% of 100.
func TestEstimatorSteadyStateOccupancy(t *testing.T) {
	const width, height = 50, 50
	light := targetmap.Color{R: 255, G: 255, B: 255}
	dark := targetmap.Color{R: 0, G: 0, B: 0}
	enemyColor := targetmap.Color{R: 128, G: 64, B: 200}

	src := targetmap.DecodedImage{Width: width, Height: height, Pixels: make([]targetmap.Pixel, width*height)}
	for i := range src.Pixels {
		v := byte(0)
		if i%2 == 0 {
			v = 255
		}
		src.Pixels[i] = targetmap.Pixel{R: v, G: v, B: v, A: 255}
	}

	probe := ThresholdProbe(targetmap.Pos{X: 0, Y: 0}, src, light, dark)
	target := targetmap.Compose([]targetmap.Layer{probe}, false)
	coords := target.ScanOrder()

	const n = 50
	const etaM = 0.9
	cooldown := 30 * time.Second

	creds := newFakeCreds(n)
	mirror := newFakeMirror()
	st := stats.New()
	pool := &contestedPool{mirror: mirror, stats: st}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Our own submissions happen at n*etaM per cooldown, via the real
	// scheduler driven inside Run; the synthetic opponent is modeled as
	// an independent painter at Ne*etaE per cooldown, ticking faster
	// than our frame_interval so both sides reach the equilibrium ratio
	// within the test's safety timeout.
	const neEtaE = 100 * 0.9
	opponentInterval := 50 * time.Millisecond
	opponentRate := neEtaE / (cooldown.Seconds() / opponentInterval.Seconds())
	go runOpponent(ctx, mirror, coords, enemyColor, opponentRate, opponentInterval)

	report, err := Run(ctx, RunConfig{
		Probe:                 probe,
		Credentials:           creds,
		Mirror:                mirror,
		Pool:                  pool,
		Stats:                 st,
		Cooldown:              cooldown,
		TokenCount:            n,
		FrameIntervalOverride: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if report.Occupancy <= 0 || report.Occupancy >= 1 {
		t.Fatalf("expected occupancy strictly between 0 and 1, got %f", report.Occupancy)
	}

	wantP := 1.0 / 3.0
	if math.Abs(report.Occupancy-wantP) > 0.15 {
		t.Errorf("expected occupancy near %.3f, got %.3f", wantP, report.Occupancy)
	}

	ne := report.Interpretations["eta_e=eta_m"]
	if ne == 0 {
		t.Fatal("expected a non-zero eta_e=eta_m interpretation")
	}
	if math.Abs(ne-100) > 20 {
		t.Errorf("expected N_e within +-20%% of 100 under eta_e=eta_m, got %.1f", ne)
	}
}

func TestThresholdProbeSkipsTransparentSource(t *testing.T) {
	src := targetmap.DecodedImage{
		Width: 2, Height: 1,
		Pixels: []targetmap.Pixel{
			{R: 255, G: 255, B: 255, A: 255},
			{R: 0, G: 0, B: 0, A: 0},
		},
	}
	layer := ThresholdProbe(targetmap.Pos{X: 5, Y: 5}, src, targetmap.Color{R: 1, G: 1, B: 1}, targetmap.Color{R: 2, G: 2, B: 2})
	target := targetmap.Compose([]targetmap.Layer{layer}, false)

	if _, ok := target.Color(targetmap.Pos{X: 5, Y: 5}); !ok {
		t.Fatal("expected opaque source pixel to claim its coordinate")
	}
	if _, ok := target.Color(targetmap.Pos{X: 6, Y: 5}); ok {
		t.Fatal("expected transparent source pixel to claim nothing")
	}
}

func TestDetectSteadyStateRejectsAdvancingOccupancy(t *testing.T) {
	var samples []sample
	for i := 0; i < 15; i++ {
		samples = append(samples, sample{p: float64(i) * 0.05})
	}
	if detectSteadyState(samples, 10) {
		t.Fatal("expected steadily increasing occupancy to be rejected")
	}
}

func TestDetectSteadyStateAcceptsFlatLowVariance(t *testing.T) {
	var samples []sample
	for i := 0; i < 25; i++ {
		samples = append(samples, sample{p: 0.5})
	}
	if !detectSteadyState(samples, 10) {
		t.Fatal("expected perfectly flat occupancy to be accepted as steady")
	}
}
