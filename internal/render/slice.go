// Package render provides slice rendering using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/granite-tiles/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	// CellSize is the edge length in pixels of one sample.
	CellSize        int
	DefaultColormap string
	// MaxPixels caps the size of a rendered image.
	MaxPixels int
}

// Slice is one z plane of a scalar field, x varying fastest.
type Slice struct {
	Width  int
	Height int
	Values []float32
}

// LabelSlice is one z plane of integer labels such as AMR block ids.
// Negative labels are left blank.
type LabelSlice struct {
	Width  int
	Height int
	Labels []int
}

// ErrInvalidRange is returned for a color range with a NaN or infinite end.
var ErrInvalidRange = errors.New("invalid color range")

// SliceRenderer renders z slices to PNG.
type SliceRenderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewSliceRenderer creates a new slice renderer.
func NewSliceRenderer(cfg Config) *SliceRenderer {
	if cfg.CellSize <= 0 {
		cfg.CellSize = 1
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = 4096 * 4096
	}
	return &SliceRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Colormap resolves name, falling back to the configured default.
func (r *SliceRenderer) Colormap(name string) colormap.Colormap {
	if c, ok := colormap.Lookup(name); ok {
		return c
	}
	if c, ok := colormap.Lookup(r.config.DefaultColormap); ok {
		return c
	}
	return colormap.Viridis
}

// RenderSlice renders s with values normalized to [min, max]. Row 0 is
// drawn at the bottom of the image. Values outside the range take the end
// colors; NaN and infinite samples stay transparent.
func (r *SliceRenderer) RenderSlice(s Slice, min, max float32, colormapName string) ([]byte, error) {
	if len(s.Values) != s.Width*s.Height {
		return nil, fmt.Errorf("slice has %d values, expected %dx%d", len(s.Values), s.Width, s.Height)
	}
	if !finite(min) || !finite(max) {
		return nil, fmt.Errorf("%w: [%v, %v]", ErrInvalidRange, min, max)
	}
	dc, err := r.newContext(s.Width, s.Height)
	if err != nil {
		return nil, err
	}

	cmap := r.Colormap(colormapName)
	span := float64(max) - float64(min)
	if span <= 0 {
		span = 1
	}

	for j := 0; j < s.Height; j++ {
		for i := 0; i < s.Width; i++ {
			v := s.Values[j*s.Width+i]
			if !finite(v) {
				continue
			}
			t := (float64(v) - float64(min)) / span
			dc.SetColor(cmap.At(math.Max(0, math.Min(1, t))))
			r.fillCell(dc, i, s.Height-1-j)
		}
	}

	return r.encodeContext(dc)
}

// RenderLabels renders a label plane with the categorical colormap.
func (r *SliceRenderer) RenderLabels(s LabelSlice) ([]byte, error) {
	if len(s.Labels) != s.Width*s.Height {
		return nil, fmt.Errorf("label slice has %d labels, expected %dx%d", len(s.Labels), s.Width, s.Height)
	}
	dc, err := r.newContext(s.Width, s.Height)
	if err != nil {
		return nil, err
	}

	for j := 0; j < s.Height; j++ {
		for i := 0; i < s.Width; i++ {
			label := s.Labels[j*s.Width+i]
			if label < 0 {
				continue
			}
			dc.SetColor(colormap.Categorical.AtIndex(label))
			r.fillCell(dc, i, s.Height-1-j)
		}
	}

	return r.encodeContext(dc)
}

func (r *SliceRenderer) newContext(width, height int) (*gg.Context, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("empty slice %dx%d", width, height)
	}
	w, h := width*r.config.CellSize, height*r.config.CellSize
	if w*h > r.config.MaxPixels {
		return nil, fmt.Errorf("slice image %dx%d exceeds %d pixels", w, h, r.config.MaxPixels)
	}
	return gg.NewContext(w, h), nil
}

func (r *SliceRenderer) fillCell(dc *gg.Context, i, j int) {
	n := r.config.CellSize
	for y := j * n; y < (j+1)*n; y++ {
		for x := i * n; x < (i+1)*n; x++ {
			dc.SetPixel(x, y)
		}
	}
}

func (r *SliceRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptySlice creates a transparent image for a width x height plane.
func (r *SliceRenderer) CreateEmptySlice(width, height int) ([]byte, error) {
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}
	n := r.config.CellSize
	img := image.NewRGBA(image.Rect(0, 0, width*n, height*n))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255   // R
		img.Pix[i+1] = 255 // G
		img.Pix[i+2] = 255 // B
		img.Pix[i+3] = 0   // A (transparent)
	}

	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
