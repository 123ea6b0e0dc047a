// Package targetmap folds configured image layers into one authoritative
// target map for the scheduler to paint towards.
package targetmap

import (
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/paintgrid/painter/internal/config"
)

// Pos is an absolute canvas coordinate.
type Pos struct {
	X, Y int
}

// Color is an RGB triple.
type Color struct {
	R, G, B byte
}

// Pixel is a decoded source pixel, alpha included so the composer can
// apply the alpha-skip rules before a layer ever reaches the map.
type Pixel struct {
	R, G, B, A byte
}

// Layer is one fully-resolved image layer ready for composition.
type Layer struct {
	Kind     config.ImageKind
	Origin   Pos
	Width    int
	Height   int
	Pixels   []Pixel // row-major, len == Width*Height
	DrawMode config.DrawMode
	ScanMode config.ScanMode
	Weight   float64
	Enabled  bool
}

// CanvasWidth and CanvasHeight are the fixed board dimensions (§3).
const (
	CanvasWidth  = 1000
	CanvasHeight = 600
)

// InCanvas reports whether p lies within the canvas rectangle.
func InCanvas(p Pos) bool {
	return p.X >= 0 && p.X < CanvasWidth && p.Y >= 0 && p.Y < CanvasHeight
}

// NewAttackLayer generates a synthetic attack layer deterministically from
// its dimensions, dot count, and attack kind, per §3's "seeded by
// dimensions" requirement. The same (width, height, dotCount, kind) always
// yields the same pixel placement and colors.
func NewAttackLayer(entry config.ImageEntry) Layer {
	w, h := entry.Width, entry.Height
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}

	pixels := make([]Pixel, w*h) // fully transparent by default

	seed := attackSeed(w, h, entry.DotCount, entry.AttackKind)
	rnd := rand.New(rand.NewSource(seed))

	dots := entry.DotCount
	if dots <= 0 {
		dots = 0
	}
	if dots > w*h {
		dots = w * h
	}

	placed := make(map[int]bool, dots)
	for len(placed) < dots {
		idx := rnd.Intn(w * h)
		if placed[idx] {
			continue
		}
		placed[idx] = true
		pixels[idx] = attackColor(entry.AttackKind, rnd)
	}

	return Layer{
		Kind:     config.ImageAttack,
		Origin:   Pos{entry.StartX, entry.StartY},
		Width:    w,
		Height:   h,
		Pixels:   pixels,
		DrawMode: defaultDrawMode(entry.DrawMode),
		ScanMode: defaultScanMode(entry.ScanMode),
		Weight:   entry.Weight,
		Enabled:  entry.Enabled,
	}
}

// attackSeed derives a reproducible 64-bit seed from the layer's shape so
// that regenerating the same attack layer twice yields the same pixels
// (the round-trip/idempotence property in §8).
func attackSeed(w, h, dotCount int, kind config.AttackKind) int64 {
	h64 := fnv.New64a()
	var buf [20]byte
	putInt(buf[0:4], w)
	putInt(buf[4:8], h)
	putInt(buf[8:12], dotCount)
	copy(buf[12:20], []byte(kind))
	h64.Write(buf[:])
	return int64(h64.Sum64())
}

func putInt(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func attackColor(kind config.AttackKind, rnd *rand.Rand) Pixel {
	switch kind {
	case config.AttackWhite:
		return Pixel{255, 255, 255, 255}
	case config.AttackGreen:
		return Pixel{0, 255, 0, 255}
	default: // AttackRandom
		return Pixel{
			R: byte(rnd.Intn(256)),
			G: byte(rnd.Intn(256)),
			B: byte(rnd.Intn(256)),
			A: 255,
		}
	}
}

func defaultDrawMode(m config.DrawMode) config.DrawMode {
	if m == "" {
		return config.DrawHorizontal
	}
	return m
}

func defaultScanMode(m config.ScanMode) config.ScanMode {
	if m == "" {
		return config.ScanNormal
	}
	return m
}

// orderedCoords returns this layer's in-canvas coordinates in the order
// its DrawMode dictates, skipping transparent (and, if
// ignoreSemitransparent, semitransparent) pixels.
func (l Layer) orderedCoords(ignoreSemitransparent bool) []Pos {
	type entry struct {
		pos Pos
		idx int
	}
	var entries []entry
	for row := 0; row < l.Height; row++ {
		for col := 0; col < l.Width; col++ {
			idx := row*l.Width + col
			px := l.Pixels[idx]
			if px.A == 0 {
				continue
			}
			if ignoreSemitransparent && px.A != 255 {
				continue
			}
			pos := Pos{l.Origin.X + col, l.Origin.Y + row}
			if !InCanvas(pos) {
				continue
			}
			entries = append(entries, entry{pos, idx})
		}
	}

	switch l.DrawMode {
	case config.DrawConcentric:
		cx, cy := l.Width/2, l.Height/2
		sort.SliceStable(entries, func(i, j int) bool {
			di := chebyshev(entries[i].pos.X-l.Origin.X-cx, entries[i].pos.Y-l.Origin.Y-cy)
			dj := chebyshev(entries[j].pos.X-l.Origin.X-cx, entries[j].pos.Y-l.Origin.Y-cy)
			if di != dj {
				return di < dj
			}
			// Deterministic tie-break: row-major order.
			if entries[i].pos.Y != entries[j].pos.Y {
				return entries[i].pos.Y < entries[j].pos.Y
			}
			return entries[i].pos.X < entries[j].pos.X
		})
	case config.DrawRandom:
		rnd := rand.New(rand.NewSource(attackSeed(l.Width, l.Height, 0, "shuffle")))
		rnd.Shuffle(len(entries), func(i, j int) {
			entries[i], entries[j] = entries[j], entries[i]
		})
	default: // horizontal: already row-major from the scan above
	}

	coords := make([]Pos, len(entries))
	for i, e := range entries {
		coords[i] = e.pos
	}
	return coords
}

func chebyshev(dx, dy int) int {
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	if dx > dy {
		return dx
	}
	return dy
}

func (l Layer) colorAt(pos Pos) (Color, bool) {
	col := pos.X - l.Origin.X
	row := pos.Y - l.Origin.Y
	if col < 0 || col >= l.Width || row < 0 || row >= l.Height {
		return Color{}, false
	}
	px := l.Pixels[row*l.Width+col]
	if px.A == 0 {
		return Color{}, false
	}
	return Color{px.R, px.G, px.B}, true
}
