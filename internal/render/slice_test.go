package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/granite-tiles/server/pkg/colormap"
)

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	return img
}

func sameColor(a, b color.Color) bool {
	r1, g1, b1, a1 := a.RGBA()
	r2, g2, b2, a2 := b.RGBA()
	return r1 == r2 && g1 == g2 && b1 == b2 && a1 == a2
}

func TestRenderSliceOrientation(t *testing.T) {
	r := NewSliceRenderer(Config{CellSize: 2, DefaultColormap: "grayscale"})

	// Row 0 holds the minimum, row 1 the maximum.
	s := Slice{Width: 3, Height: 2, Values: []float32{0, 0, 0, 10, 10, float32(math.NaN())}}
	data, err := r.RenderSlice(s, 0, 10, "")
	if err != nil {
		t.Fatalf("RenderSlice: %v", err)
	}
	img := decode(t, data)

	if b := img.Bounds(); b.Dx() != 6 || b.Dy() != 4 {
		t.Fatalf("unexpected size %v", b)
	}
	if !sameColor(img.At(0, 3), colormap.Grayscale.At(0)) {
		t.Fatalf("bottom-left pixel = %v, want black", img.At(0, 3))
	}
	if !sameColor(img.At(1, 0), colormap.Grayscale.At(1)) {
		t.Fatalf("top-left pixel = %v, want white", img.At(1, 0))
	}
	if _, _, _, a := img.At(5, 0).RGBA(); a != 0 {
		t.Fatalf("NaN sample should be transparent, alpha = %d", a)
	}
}

func TestRenderSliceErrors(t *testing.T) {
	r := NewSliceRenderer(Config{MaxPixels: 10})

	if _, err := r.RenderSlice(Slice{Width: 2, Height: 2, Values: []float32{1}}, 0, 1, ""); err == nil {
		t.Fatalf("expected size mismatch error")
	}
	if _, err := r.RenderSlice(Slice{Width: 4, Height: 4, Values: make([]float32, 16)}, 0, 1, ""); err == nil {
		t.Fatalf("expected pixel limit error")
	}
}

func TestRenderSliceRange(t *testing.T) {
	r := NewSliceRenderer(Config{})

	// Range above the data: every sample takes the first color.
	data, err := r.RenderSlice(Slice{Width: 2, Height: 1, Values: []float32{1, 2}}, 100, 200, "categorical")
	if err != nil {
		t.Fatalf("RenderSlice: %v", err)
	}
	img := decode(t, data)
	for x := 0; x < 2; x++ {
		if !sameColor(img.At(x, 0), colormap.Categorical.At(0)) {
			t.Fatalf("pixel %d = %v, want first category", x, img.At(x, 0))
		}
	}

	// Range below the data: samples take the last color.
	data, err = r.RenderSlice(Slice{Width: 1, Height: 1, Values: []float32{50}}, 0, 1, "grayscale")
	if err != nil {
		t.Fatalf("RenderSlice: %v", err)
	}
	if img := decode(t, data); !sameColor(img.At(0, 0), colormap.Grayscale.At(1)) {
		t.Fatalf("pixel = %v, want white", img.At(0, 0))
	}

	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	for _, tc := range []struct{ min, max float32 }{{nan, 2}, {0, nan}, {-inf, 2}, {0, inf}} {
		if _, err := r.RenderSlice(Slice{Width: 1, Height: 1, Values: []float32{1}}, tc.min, tc.max, "viridis"); !errors.Is(err, ErrInvalidRange) {
			t.Fatalf("range [%v, %v]: expected ErrInvalidRange, got %v", tc.min, tc.max, err)
		}
	}

	data, err = r.RenderSlice(Slice{Width: 3, Height: 1, Values: []float32{inf, -inf, 1}}, 0, 2, "viridis")
	if err != nil {
		t.Fatalf("RenderSlice: %v", err)
	}
	img = decode(t, data)
	for x := 0; x < 2; x++ {
		if _, _, _, a := img.At(x, 0).RGBA(); a != 0 {
			t.Fatalf("infinite sample %d should be transparent, alpha = %d", x, a)
		}
	}
	if !sameColor(img.At(2, 0), colormap.Viridis.At(0.5)) {
		t.Fatalf("finite pixel = %v", img.At(2, 0))
	}
}

func TestRenderLabels(t *testing.T) {
	r := NewSliceRenderer(Config{})

	data, err := r.RenderLabels(LabelSlice{Width: 2, Height: 1, Labels: []int{3, -1}})
	if err != nil {
		t.Fatalf("RenderLabels: %v", err)
	}
	img := decode(t, data)
	if !sameColor(img.At(0, 0), colormap.Categorical.AtIndex(3)) {
		t.Fatalf("label pixel = %v", img.At(0, 0))
	}
	if _, _, _, a := img.At(1, 0).RGBA(); a != 0 {
		t.Fatalf("negative label should be blank")
	}
}

func TestColormapFallback(t *testing.T) {
	r := NewSliceRenderer(Config{DefaultColormap: "magma"})
	if r.Colormap("nope").At(0) != colormap.Magma.At(0) {
		t.Fatalf("expected fallback to magma")
	}
}

func TestCreateEmptySlice(t *testing.T) {
	r := NewSliceRenderer(Config{CellSize: 3})
	data, err := r.CreateEmptySlice(2, 1)
	if err != nil {
		t.Fatalf("CreateEmptySlice: %v", err)
	}
	img := decode(t, data)
	if b := img.Bounds(); b.Dx() != 6 || b.Dy() != 3 {
		t.Fatalf("unexpected size %v", b)
	}
}
