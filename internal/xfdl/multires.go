package xfdl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/granite-tiles/server/internal/field"
	"github.com/granite-tiles/server/internal/granite"
)

// ErrRectilinearMultires is returned when a rectilinear grid is written
// with more than one level.
var ErrRectilinearMultires = errors.New("can only write multiresolution from vtkImageData")

// Volume is an in-memory point data volume.
type Volume struct {
	Bounds   granite.Bounds
	Data     *field.Data
	DataType string
	Origin   [3]float64
	Spacing  [3]float64
	Grid     [3][]float64
}

// WriteOptions controls how a volume is laid out on disk.
type WriteOptions struct {
	// Levels is the number of resolution levels; 1 writes a single resolution set.
	Levels int
	// Steps is the per-level downsampling factor.
	Steps int
	// Compress writes zstd compressed payloads.
	Compress bool
}

func (v *Volume) descriptor(payload string, compress bool) *Descriptor {
	d := NewDescriptor()
	d.FileName = payload
	if compress {
		d.FileType = FileTypeBinaryZstd
	}
	for _, n := range v.Data.AttributeNames() {
		d.Fields = append(d.Fields, Field{Name: n, Type: "float"})
	}
	if v.DataType != "" {
		d.DataType = v.DataType
	}
	d.SetBounds(v.Bounds)
	d.Origin = v.Origin
	d.Spacing = v.Spacing
	d.Grid = v.Grid
	return d
}

// Write stores v under dir as base.xfdl plus payloads and returns the path
// of the top descriptor.
func Write(dir, base string, v *Volume, opts WriteOptions) (string, error) {
	if opts.Levels < 1 {
		opts.Levels = 1
	}
	if opts.Steps < 2 {
		opts.Steps = 2
	}
	if opts.Levels > 1 && v.DataType == TypeRectilinearGrid {
		return "", ErrRectilinearMultires
	}
	if v.Data.NumberOfTuples() != v.Bounds.Volume() {
		return "", fmt.Errorf("volume holds %d tuples, bounds need %d", v.Data.NumberOfTuples(), v.Bounds.Volume())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	top := filepath.Join(dir, base+".xfdl")
	bin := base + ".bin"

	if opts.Levels == 1 {
		if err := v.descriptor(bin, opts.Compress).WriteFile(top); err != nil {
			return "", err
		}
		return top, writePayload(filepath.Join(dir, bin), v.Data.Interleaved(), opts.Compress)
	}

	if err := v.descriptor("@"+base+"/"+bin, opts.Compress).WriteFile(top); err != nil {
		return "", err
	}
	levelDir := filepath.Join(dir, base)
	factor := 1
	for k := 0; k < opts.Levels; k++ {
		if err := os.MkdirAll(levelDir, 0o755); err != nil {
			return "", err
		}
		if k == 0 {
			if err := v.descriptor(bin, opts.Compress).WriteFile(filepath.Join(levelDir, base+".xfdl")); err != nil {
				return "", err
			}
			if err := writePayload(filepath.Join(levelDir, bin), v.Data.Interleaved(), opts.Compress); err != nil {
				return "", err
			}
		} else {
			factor *= opts.Steps
			lv := Downsample(v, factor)
			payload := bin + ".d" + strconv.Itoa(k)
			d := lv.descriptor(payload, opts.Compress)
			if err := d.WriteFile(filepath.Join(levelDir, payload+".fdl")); err != nil {
				return "", err
			}
			if err := d.WriteFile(filepath.Join(levelDir, DataFileName)); err != nil {
				return "", err
			}
			if err := writePayload(filepath.Join(levelDir, payload), lv.Data.Interleaved(), opts.Compress); err != nil {
				return "", err
			}
		}
		levelDir = filepath.Join(levelDir, "level"+strconv.Itoa(k+1))
	}
	return top, nil
}

// Downsample keeps every factor-th sample along each axis. Spacing grows by
// the same factor.
func Downsample(v *Volume, factor int) *Volume {
	src := v.Bounds
	var dst granite.Bounds
	for axis := 0; axis < 3; axis++ {
		lo := floorDiv(src[2*axis], factor)
		dst[2*axis] = lo
		dst[2*axis+1] = lo + (src.Len(axis)-1)/factor
	}
	sx, sy := src.Len(0), src.Len(1)
	dx, dy, dz := dst.Len(0), dst.Len(1), dst.Len(2)

	layout := field.Layout{Active: v.Data.Active}
	for _, a := range v.Data.Arrays {
		layout.Arrays = append(layout.Arrays, field.ArrayLayout{Name: a.Name, Components: a.ComponentNames})
	}
	out := field.NewData(layout, dst.Volume())

	t := 0
	for z := 0; z < dz; z++ {
		for y := 0; y < dy; y++ {
			for x := 0; x < dx; x++ {
				s := (z*factor*sy+y*factor)*sx + x*factor
				for i, a := range v.Data.Arrays {
					n := len(a.ComponentNames)
					copy(out.Arrays[i].Values[t*n:(t+1)*n], a.Values[s*n:(s+1)*n])
				}
				t++
			}
		}
	}

	lv := *v
	lv.Bounds = dst
	lv.Data = out
	for axis := range lv.Spacing {
		lv.Spacing[axis] = v.Spacing[axis] * float64(factor)
	}
	return &lv
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

var zstdEncoderOptions = []zstd.EOption{zstd.WithEncoderLevel(zstd.SpeedDefault)}

func writePayload(path string, values []float32, compress bool) error {
	if !compress {
		return WriteFloatsFile(path, values)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstdEncoderOptions...)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	if err := WriteFloats(enc, values); err != nil {
		enc.Close()
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
