// Package canvasmirror maintains the client's believed view of the remote
// board: a full snapshot at startup, mutated only by decoded board-update
// records thereafter.
package canvasmirror

import (
	"fmt"
	"sync"

	"github.com/paintgrid/painter/internal/targetmap"
)

// Mirror is a single-owner, mutex-guarded map of every pixel ever
// observed. It is never pruned (§3 invariant: "reflects the last-known
// color for any coordinate ever observed; it is never silently pruned").
type Mirror struct {
	mu      sync.RWMutex
	pixels  map[targetmap.Pos]targetmap.Color
	wake    chan struct{}
	domain  func(targetmap.Pos) bool // membership test against the live TargetMap
	domainMu sync.RWMutex
}

// New creates an empty Mirror. Wake() delivers a coalesced signal whenever
// a write lands inside the currently registered domain.
func New() *Mirror {
	return &Mirror{
		pixels: make(map[targetmap.Pos]targetmap.Color),
		wake:   make(chan struct{}, 1),
		domain: func(targetmap.Pos) bool { return false },
	}
}

// SetDomain registers the membership test used to decide whether a write
// should wake the scheduler — normally `tm.Color` returning ok=true, i.e.
// "this coordinate falls within the current TargetMap's domain" (§4.8).
func (m *Mirror) SetDomain(inDomain func(targetmap.Pos) bool) {
	m.domainMu.Lock()
	m.domain = inDomain
	m.domainMu.Unlock()
}

// LoadSnapshot populates the mirror from a full board snapshot, replacing
// any prior contents (used only once, at startup or after a failed-then-
// retried initial fetch).
func (m *Mirror) LoadSnapshot(pixels map[targetmap.Pos]targetmap.Color) {
	m.mu.Lock()
	m.pixels = pixels
	m.mu.Unlock()
}

// Get returns the believed color at pos and whether it has ever been
// observed.
func (m *Mirror) Get(pos targetmap.Pos) (targetmap.Color, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.pixels[pos]
	return c, ok
}

// Set records a newly observed pixel (from a decoded 0xfa record) and
// wakes the scheduler if pos falls within the registered domain.
func (m *Mirror) Set(pos targetmap.Pos, color targetmap.Color) {
	m.mu.Lock()
	m.pixels[pos] = color
	m.mu.Unlock()

	m.domainMu.RLock()
	inDomain := m.domain(pos)
	m.domainMu.RUnlock()

	if inDomain {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

// Wake returns the channel the scheduler selects on to be notified of a
// relevant board update.
func (m *Mirror) Wake() <-chan struct{} {
	return m.wake
}

// Len returns the number of known pixels, mainly for diagnostics/tests.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pixels)
}

// SnapshotWidth/SnapshotHeight describe the fixed board snapshot body
// layout fetched over HTTP (§4.8, §6): row-major RGB triples, 1000-pixel
// row stride, 600 rows.
const (
	SnapshotWidth  = targetmap.CanvasWidth
	SnapshotHeight = targetmap.CanvasHeight
	SnapshotBytes  = SnapshotWidth * SnapshotHeight * 3
)

// DecodeSnapshot parses the fixed 1,800,000-byte snapshot body into a
// position->color map.
func DecodeSnapshot(body []byte) (map[targetmap.Pos]targetmap.Color, error) {
	if len(body) != SnapshotBytes {
		return nil, fmt.Errorf("canvasmirror: snapshot body must be %d bytes, got %d", SnapshotBytes, len(body))
	}
	pixels := make(map[targetmap.Pos]targetmap.Color, SnapshotWidth*SnapshotHeight)
	i := 0
	for y := 0; y < SnapshotHeight; y++ {
		for x := 0; x < SnapshotWidth; x++ {
			pixels[targetmap.Pos{X: x, Y: y}] = targetmap.Color{
				R: body[i], G: body[i+1], B: body[i+2],
			}
			i += 3
		}
	}
	return pixels, nil
}
