package targetmap

import (
	"testing"

	"github.com/paintgrid/painter/internal/config"
)

func solidLayer(w, h int, origin Pos, weight float64, color Color) Layer {
	pixels := make([]Pixel, w*h)
	for i := range pixels {
		pixels[i] = Pixel{color.R, color.G, color.B, 255}
	}
	return Layer{
		Kind:     config.ImageFile,
		Origin:   origin,
		Width:    w,
		Height:   h,
		Pixels:   pixels,
		DrawMode: config.DrawHorizontal,
		ScanMode: config.ScanNormal,
		Weight:   weight,
		Enabled:  true,
	}
}

func TestComposeOverlayPrefersHigherWeight(t *testing.T) {
	a := solidLayer(10, 10, Pos{0, 0}, 2, Color{255, 0, 0})
	b := solidLayer(10, 10, Pos{5, 5}, 1, Color{0, 0, 255})

	tm := Compose([]Layer{a, b}, false)

	c, ok := tm.Color(Pos{7, 7})
	if !ok || c != (Color{255, 0, 0}) {
		t.Fatalf("expected overlap claimed by higher-weight layer A, got %+v ok=%v", c, ok)
	}
	owner, _ := tm.Owner(Pos{7, 7})
	if owner != 0 {
		t.Errorf("expected owner layer 0, got %d", owner)
	}
}

func TestComposeWeightOverlapScenario(t *testing.T) {
	// S3: A weight 3 over (0..9,0..9) red, B weight 1 over (5..14,5..14) blue.
	a := solidLayer(10, 10, Pos{0, 0}, 3, Color{255, 0, 0})
	b := solidLayer(10, 10, Pos{5, 5}, 1, Color{0, 0, 255})
	tm := Compose([]Layer{a, b}, false)

	cases := []struct {
		pos  Pos
		want Color
	}{
		{Pos{3, 3}, Color{255, 0, 0}},
		{Pos{7, 7}, Color{255, 0, 0}},
		{Pos{12, 12}, Color{0, 0, 255}},
	}
	for _, c := range cases {
		got, ok := tm.Color(c.pos)
		if !ok || got != c.want {
			t.Errorf("at %+v: expected %+v, got %+v ok=%v", c.pos, c.want, got, ok)
		}
	}
}

func TestComposeSkipsOutOfCanvasPixels(t *testing.T) {
	layer := solidLayer(5, 5, Pos{998, 598}, 1, Color{1, 2, 3})
	tm := Compose([]Layer{layer}, false)

	for pos := range tm.colors {
		if !InCanvas(pos) {
			t.Fatalf("target map contains out-of-canvas coordinate %+v", pos)
		}
	}
	// Only the in-canvas corner (998,598),(999,598),(998,599),(999,599) survive.
	if tm.Len() != 4 {
		t.Errorf("expected 4 in-canvas pixels from the 5x5 overflowing layer, got %d", tm.Len())
	}
}

func TestComposeAlphaRules(t *testing.T) {
	pixels := []Pixel{
		{255, 0, 0, 0},   // fully transparent: always skipped
		{0, 255, 0, 128}, // semitransparent: skipped only if ignoreSemitransparent
	}
	layer := Layer{
		Kind: config.ImageFile, Origin: Pos{0, 0}, Width: 2, Height: 1,
		Pixels: pixels, DrawMode: config.DrawHorizontal, Weight: 1, Enabled: true,
	}

	tm := Compose([]Layer{layer}, false)
	if _, ok := tm.Color(Pos{0, 0}); ok {
		t.Error("alpha=0 pixel should never be claimed")
	}
	if _, ok := tm.Color(Pos{1, 0}); !ok {
		t.Error("semitransparent pixel should be claimed when ignoreSemitransparent is false")
	}

	tm2 := Compose([]Layer{layer}, true)
	if _, ok := tm2.Color(Pos{1, 0}); ok {
		t.Error("semitransparent pixel should be skipped when ignoreSemitransparent is true")
	}
}

func TestComposeIdempotent(t *testing.T) {
	layers := []Layer{
		solidLayer(10, 10, Pos{0, 0}, 2, Color{255, 0, 0}),
		solidLayer(10, 10, Pos{5, 5}, 1, Color{0, 0, 255}),
	}
	tm1 := Compose(layers, false)
	tm2 := Compose(layers, false)

	if tm1.Len() != tm2.Len() {
		t.Fatalf("lengths differ: %d vs %d", tm1.Len(), tm2.Len())
	}
	for pos, c := range tm1.colors {
		c2, ok := tm2.colors[pos]
		if !ok || c != c2 {
			t.Fatalf("composition differs at %+v: %+v vs %+v (ok=%v)", pos, c, c2, ok)
		}
	}
	if len(tm1.LayerCoords(0)) != len(tm2.LayerCoords(0)) {
		t.Fatal("per-layer coordinate order length differs between runs")
	}
	for i := range tm1.LayerCoords(0) {
		if tm1.LayerCoords(0)[i] != tm2.LayerCoords(0)[i] {
			t.Fatalf("per-layer coordinate order differs at index %d", i)
		}
	}
}

func TestNewAttackLayerDeterministic(t *testing.T) {
	entry := config.ImageEntry{
		Type: config.ImageAttack, Width: 20, Height: 20, DotCount: 15,
		AttackKind: config.AttackRandom, Weight: 1, Enabled: true,
	}
	l1 := NewAttackLayer(entry)
	l2 := NewAttackLayer(entry)

	if len(l1.Pixels) != len(l2.Pixels) {
		t.Fatal("pixel count differs between two generations")
	}
	for i := range l1.Pixels {
		if l1.Pixels[i] != l2.Pixels[i] {
			t.Fatalf("attack layer not deterministic at pixel %d: %+v vs %+v", i, l1.Pixels[i], l2.Pixels[i])
		}
	}
}

func TestNewAttackLayerPalettes(t *testing.T) {
	for _, kind := range []config.AttackKind{config.AttackWhite, config.AttackGreen} {
		entry := config.ImageEntry{Type: config.ImageAttack, Width: 10, Height: 10, DotCount: 5, AttackKind: kind, Weight: 1, Enabled: true}
		l := NewAttackLayer(entry)
		found := 0
		for _, px := range l.Pixels {
			if px.A == 0 {
				continue
			}
			found++
			if kind == config.AttackWhite && (px.R != 255 || px.G != 255 || px.B != 255) {
				t.Fatalf("expected white dot, got %+v", px)
			}
			if kind == config.AttackGreen && (px.R != 0 || px.G != 255 || px.B != 0) {
				t.Fatalf("expected green dot, got %+v", px)
			}
		}
		if found != 5 {
			t.Errorf("expected 5 placed dots for %s, got %d", kind, found)
		}
	}
}

func TestTargetMapCoordinatesAllInCanvas(t *testing.T) {
	layers := []Layer{
		solidLayer(1000, 600, Pos{0, 0}, 1, Color{1, 1, 1}),
	}
	tm := Compose(layers, false)
	for pos := range tm.colors {
		if pos.X < 0 || pos.X >= CanvasWidth || pos.Y < 0 || pos.Y >= CanvasHeight {
			t.Fatalf("coordinate %+v out of canvas bounds", pos)
		}
	}
}
