// Package estimator measures an opposing actor's effective token count
// by painting a known probe image and observing its steady-state
// occupancy under contention (§4.11). It reuses the scheduler and
// transport stack rather than re-implementing painting, so this package
// is a thin orchestration layer over the probe-specific sampling logic.
package estimator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/paintgrid/painter/internal/config"
	"github.com/paintgrid/painter/internal/scheduler"
	"github.com/paintgrid/painter/internal/stats"
	"github.com/paintgrid/painter/internal/targetmap"
)

// ThresholdProbe builds a two-color, horizontal-draw single layer from
// src by thresholding perceptual brightness at 0.5 (§4.11 step 2): pixels
// at or above the threshold become light, the rest become dark.
// Transparent source pixels stay transparent so the probe only claims
// the region the operator actually supplied.
func ThresholdProbe(origin targetmap.Pos, src targetmap.DecodedImage, light, dark targetmap.Color) targetmap.Layer {
	pixels := make([]targetmap.Pixel, len(src.Pixels))
	for i, px := range src.Pixels {
		if px.A == 0 {
			continue
		}
		c := dark
		if perceptualBrightness(px) >= 0.5 {
			c = light
		}
		pixels[i] = targetmap.Pixel{R: c.R, G: c.G, B: c.B, A: 255}
	}
	return targetmap.Layer{
		Kind:     config.ImageFile,
		Origin:   origin,
		Width:    src.Width,
		Height:   src.Height,
		Pixels:   pixels,
		DrawMode: config.DrawHorizontal,
		ScanMode: config.ScanNormal,
		Weight:   1,
		Enabled:  true,
	}
}

func perceptualBrightness(px targetmap.Pixel) float64 {
	return (0.2126*float64(px.R) + 0.7152*float64(px.G) + 0.0722*float64(px.B)) / 255
}

// frameInterval implements §4.11 step 4.
func frameInterval(cooldown time.Duration) time.Duration {
	d := time.Duration(float64(cooldown) * 0.2)
	if d < 500*time.Millisecond {
		d = 500 * time.Millisecond
	}
	return d
}

// minSteadyStateSamples implements §4.11 step 5's sample-count floor.
func minSteadyStateSamples(interval time.Duration) int {
	n := int(60 * time.Second / interval)
	if n < 20 {
		n = 20
	}
	return n
}

// steadyWindow implements §4.11 step 5's plateau/variance window size.
func steadyWindow(interval time.Duration) int {
	n := int(30 * time.Second / interval)
	if n < 10 {
		n = 10
	}
	return n
}

// cvThreshold implements §4.11 step 5's mean-dependent coefficient of
// variation ceiling.
func cvThreshold(meanP float64) float64 {
	switch {
	case meanP < 0.4:
		return 0.30
	case meanP < 0.7:
		return 0.35
	default:
		return 0.40
	}
}

// safetyTimeout implements §4.11 step 6's fallback bound, scaling with
// cooldown within [180s, 600s].
func safetyTimeout(cooldown time.Duration) time.Duration {
	d := cooldown * 6
	if d < 180*time.Second {
		d = 180 * time.Second
	}
	if d > 600*time.Second {
		d = 600 * time.Second
	}
	return d
}

// RunConfig bundles the estimator's inputs. Credentials, Mirror and Pool
// are the same collaborator interfaces the scheduler uses, scoped to the
// estimator's own credential set and probe target so a live production
// run is unaffected.
type RunConfig struct {
	Probe       targetmap.Layer
	Credentials scheduler.CredentialSource
	Mirror      scheduler.Mirror
	Pool        scheduler.Enqueuer
	Stats       *stats.Stats
	Cooldown    time.Duration
	TokenCount  int // N, the configured token count for this probe run

	// OverlapArea and EnemyArea feed the fourth N_e interpretation
	// (η_e = η_m · overlap_area/enemy_area); both zero skips it.
	OverlapArea float64
	EnemyArea   float64

	// FrameIntervalOverride lets tests run the sampling loop faster than
	// §4.11's cooldown-derived default; zero uses frameInterval(Cooldown).
	FrameIntervalOverride time.Duration
}

// Report is the estimator's §4.11 step 8 output.
type Report struct {
	Occupancy        float64 // p̂
	MeasuredEfficiency float64 // η_m
	NeEtaE           float64 // N_e · η_e, from the equilibrium identity
	Interpretations  map[string]float64 // N_e under each η_e assumption
	Samples          int
	SteadyState      bool // false if the safety timeout fired instead
	Elapsed          time.Duration
}

// sample is one occupancy observation.
type sample struct {
	at time.Time
	p  float64
}

// Run paints cfg.Probe against the live canvas using a scheduler built
// from cfg's collaborators, samples occupancy until steady state or a
// safety timeout, and reports the inferred opponent token count (§4.11).
func Run(ctx context.Context, cfg RunConfig) (Report, error) {
	if cfg.TokenCount <= 0 {
		return Report{}, fmt.Errorf("estimator: token count must be positive")
	}
	if cfg.Cooldown <= 0 {
		return Report{}, fmt.Errorf("estimator: cooldown must be positive")
	}

	target := targetmap.Compose([]targetmap.Layer{cfg.Probe}, false)
	if target.Len() == 0 {
		return Report{}, fmt.Errorf("estimator: probe claimed zero pixels")
	}

	sched := scheduler.New(scheduler.Config{
		Credentials: cfg.Credentials,
		Mirror:      cfg.Mirror,
		Target:      target,
		Layers:      []targetmap.Layer{cfg.Probe},
		Pool:        cfg.Pool,
		Stats:       cfg.Stats,
		Cooldown:    cfg.Cooldown,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sched.RunLoop(runCtx)

	interval := cfg.FrameIntervalOverride
	if interval <= 0 {
		interval = frameInterval(cfg.Cooldown)
	}
	// Sample-count thresholds scale off the cooldown-derived interval,
	// not the actual tick rate, so FrameIntervalOverride speeds up a
	// simulation without changing how many samples steady state needs.
	nominalInterval := frameInterval(cfg.Cooldown)
	minSamples := minSteadyStateSamples(nominalInterval)
	window := steadyWindow(nominalInterval)
	timeout := safetyTimeout(cfg.Cooldown)

	start := time.Now()
	startSucceeded := cfg.Stats.Snapshot().Succeeded

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var samples []sample
	steadyState := false

	for {
		select {
		case <-ctx.Done():
			return Report{}, ctx.Err()
		case now := <-ticker.C:
			samples = append(samples, sample{at: now, p: occupancyRatio(target, cfg.Mirror)})

			if len(samples) >= minSamples && detectSteadyState(samples, window) {
				steadyState = true
			}
		}

		if steadyState || time.Since(start) >= timeout {
			break
		}
	}

	pHat := averageLast(samples, 10)
	elapsed := time.Since(start)

	succeeded := cfg.Stats.Snapshot().Succeeded - startSucceeded
	observedRate := float64(succeeded) / elapsed.Seconds()
	idealRate := float64(cfg.TokenCount) / cfg.Cooldown.Seconds()
	etaM := 0.0
	if idealRate > 0 {
		etaM = observedRate / idealRate
	}

	neEtaE := 0.0
	if pHat > 0 {
		neEtaE = float64(cfg.TokenCount) * etaM * (1 - pHat) / pHat
	}

	interpretations := map[string]float64{
		"eta_e=1":   neEtaE,
		"eta_e=eta_m": divideIfPositive(neEtaE, etaM),
		"eta_e=0.5": divideIfPositive(neEtaE, 0.5),
	}
	if cfg.OverlapArea > 0 && cfg.EnemyArea > 0 {
		etaE := etaM * cfg.OverlapArea / cfg.EnemyArea
		interpretations["eta_e=eta_m*overlap/enemy"] = divideIfPositive(neEtaE, etaE)
	}

	return Report{
		Occupancy:          pHat,
		MeasuredEfficiency: etaM,
		NeEtaE:             neEtaE,
		Interpretations:    interpretations,
		Samples:            len(samples),
		SteadyState:        steadyState,
		Elapsed:            elapsed,
	}, nil
}

func divideIfPositive(v, divisor float64) float64 {
	if divisor <= 0 {
		return 0
	}
	return v / divisor
}

// occupancyRatio is the share of the probe's claimed coordinates whose
// mirrored color currently matches the target (§4.11 step 4).
func occupancyRatio(target *targetmap.TargetMap, mirror scheduler.Mirror) float64 {
	matched := 0
	total := target.Len()
	if total == 0 {
		return 0
	}
	for _, pos := range target.ScanOrder() {
		want, ok := target.Color(pos)
		if !ok {
			continue
		}
		if got, ok := mirror.Get(pos); ok && got == want {
			matched++
		}
	}
	return float64(matched) / float64(total)
}

// detectSteadyState implements §4.11 step 5: the maximum occupancy over
// the trailing window has not advanced, the window's coefficient of
// variation is under its mean-dependent threshold, and no clear linear
// trend is present.
func detectSteadyState(samples []sample, window int) bool {
	if len(samples) < window {
		return false
	}
	recent := samples[len(samples)-window:]

	maxBefore := 0.0
	if len(samples) > window {
		for _, s := range samples[:len(samples)-window] {
			if s.p > maxBefore {
				maxBefore = s.p
			}
		}
	}
	maxRecent := 0.0
	sum := 0.0
	for _, s := range recent {
		if s.p > maxRecent {
			maxRecent = s.p
		}
		sum += s.p
	}
	if maxRecent > maxBefore {
		return false // occupancy is still advancing
	}

	mean := sum / float64(len(recent))
	variance := 0.0
	for _, s := range recent {
		d := s.p - mean
		variance += d * d
	}
	variance /= float64(len(recent))
	stddev := math.Sqrt(variance)

	cv := 0.0
	if mean > 0 {
		cv = stddev / mean
	}
	if cv >= cvThreshold(mean) {
		return false
	}

	if len(recent) >= 10 && math.Abs(linearSlope(recent)) > 0.005 {
		return false
	}

	return true
}

// linearSlope fits a simple least-squares line to samples (indexed by
// position, not wall-clock time, since the sampling interval is fixed)
// and returns its slope in occupancy-fraction per sample.
func linearSlope(samples []sample) float64 {
	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX float64
	for i, s := range samples {
		x := float64(i)
		sumX += x
		sumY += s.p
		sumXY += x * s.p
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// averageLast averages the last n samples' p value (§4.11 step 6), or
// all of them if fewer than n were collected.
func averageLast(samples []sample, n int) float64 {
	if len(samples) == 0 {
		return 0
	}
	if n > len(samples) {
		n = len(samples)
	}
	tail := samples[len(samples)-n:]
	sum := 0.0
	for _, s := range tail {
		sum += s.p
	}
	return sum / float64(n)
}
