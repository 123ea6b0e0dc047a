package targetmap

import (
	"sort"

	"github.com/paintgrid/painter/internal/config"
)

// TargetMap is the authoritative desired color for every claimed
// coordinate, plus which layer claimed it.
type TargetMap struct {
	colors     map[Pos]Color
	owner      map[Pos]int
	layerOrder [][]Pos // per-layer ordered coordinate lists, indexed like the input layers
	weightOrder []int  // enabled layer indices, descending weight, as processed by Compose
}

// Color returns the target color at pos and whether pos is claimed.
func (t *TargetMap) Color(pos Pos) (Color, bool) {
	c, ok := t.colors[pos]
	return c, ok
}

// Owner returns the index (into the layers passed to Compose) of the
// layer that claimed pos.
func (t *TargetMap) Owner(pos Pos) (int, bool) {
	i, ok := t.owner[pos]
	return i, ok
}

// LayerCoords returns the ordered coordinate list produced for layer i.
func (t *TargetMap) LayerCoords(i int) []Pos {
	if i < 0 || i >= len(t.layerOrder) {
		return nil
	}
	return t.layerOrder[i]
}

// ScanOrder returns every claimed coordinate concatenated in descending
// layer-weight order, each layer's span internally ordered by its own
// DrawMode (§4.9: "scanning order is determined entirely by the current
// scan_cursor and the composer's per-layer ordering concatenated in
// layer-weight order"). The scheduler scans this slice.
func (t *TargetMap) ScanOrder() []Pos {
	var out []Pos
	for _, idx := range t.weightOrder {
		out = append(out, t.layerOrder[idx]...)
	}
	return out
}

// Len returns the number of claimed coordinates.
func (t *TargetMap) Len() int {
	return len(t.colors)
}

// Compose folds layers into a TargetMap by overlaying enabled layers in
// descending weight order; each coordinate is claimed by the first
// (highest-weight) layer that covers it with a non-transparent pixel.
// Calling Compose twice on the same layers yields byte-identical results
// (§8 idempotence), since layer ordering, coordinate ordering and attack
// generation are all deterministic.
func Compose(layers []Layer, ignoreSemitransparent bool) *TargetMap {
	order := make([]int, 0, len(layers))
	for i, l := range layers {
		if l.Enabled {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return layers[order[a]].Weight > layers[order[b]].Weight
	})

	t := &TargetMap{
		colors:      make(map[Pos]Color),
		owner:       make(map[Pos]int),
		layerOrder:  make([][]Pos, len(layers)),
		weightOrder: order,
	}

	for _, idx := range order {
		l := layers[idx]
		coords := l.orderedCoords(ignoreSemitransparent)
		claimed := make([]Pos, 0, len(coords))
		for _, pos := range coords {
			if _, already := t.colors[pos]; already {
				continue
			}
			color, ok := l.colorAt(pos)
			if !ok {
				continue
			}
			t.colors[pos] = color
			t.owner[pos] = idx
			claimed = append(claimed, pos)
		}
		t.layerOrder[idx] = claimed
	}

	return t
}

// LoadLayers converts config image entries plus decoded file pixels into
// Layer values ready for Compose. decodedFiles maps an image_path to its
// decoded pixel grid; image decoding itself is external glue (§1 scope).
func LoadLayers(entries []config.ImageEntry, decodedFiles map[string]DecodedImage) []Layer {
	layers := make([]Layer, 0, len(entries))
	for _, e := range entries {
		if e.Type == config.ImageAttack {
			layers = append(layers, NewAttackLayer(e))
			continue
		}
		img, ok := decodedFiles[e.ImagePath]
		pixels := img.Pixels
		w, h := img.Width, img.Height
		if !ok {
			pixels = nil
			w, h = 0, 0
		}
		layers = append(layers, Layer{
			Kind:     config.ImageFile,
			Origin:   Pos{e.StartX, e.StartY},
			Width:    w,
			Height:   h,
			Pixels:   pixels,
			DrawMode: defaultDrawMode(e.DrawMode),
			ScanMode: defaultScanMode(e.ScanMode),
			Weight:   e.Weight,
			Enabled:  e.Enabled && ok,
		})
	}
	return layers
}

// DecodedImage is a pre-decoded source image (decoding itself is outside
// this module's scope, per §1: "image file decoding" is external glue).
type DecodedImage struct {
	Width, Height int
	Pixels        []Pixel // row-major
}
