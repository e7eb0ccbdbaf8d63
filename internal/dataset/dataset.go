// Package dataset combines an open Granite data source with the presentation
// metadata stored next to it: origin, per-level spacing, grid coordinates,
// the field layout and an optional volume of interest.
package dataset

import (
	"fmt"

	"github.com/granite-tiles/server/internal/field"
	"github.com/granite-tiles/server/internal/granite"
	"github.com/granite-tiles/server/internal/granite/native"
	"github.com/granite-tiles/server/internal/xfdl"
)

// Dataset is not safe for concurrent use.
type Dataset struct {
	rt        *granite.Runtime
	divisions int

	path string
	ds   *granite.DataSource

	dataType string
	origin   [3]float64
	spacing  [][3]float64 // display order, finest last
	grid     [3][]float64

	voi    granite.Bounds
	hasVOI bool
}

// New returns an empty dataset bound to rt. Divisions below 1 fall back to
// granite.DefaultAMRDivisions.
func New(rt *granite.Runtime, divisions int) *Dataset {
	if divisions < 1 {
		divisions = granite.DefaultAMRDivisions
	}
	d := &Dataset{rt: rt, divisions: divisions}
	d.reset()
	return d
}

func (d *Dataset) reset() {
	d.dataType = xfdl.TypeImageData
	d.origin = [3]float64{}
	d.spacing = [][3]float64{{1, 1, 1}}
	d.grid = [3][]float64{}
}

// Initialize opens and activates path, reads the descriptor's presentation
// elements and derives spacing for every level. An empty path reopens the
// current one. The previous source is released first; on failure the
// dataset is left without a source.
func (d *Dataset) Initialize(path string) (err error) {
	if path == "" {
		path = d.path
	}
	if path == "" {
		return fmt.Errorf("no dataset path")
	}

	d.Close()
	d.reset()
	d.path = path

	ds, err := granite.Open(d.rt, path, true)
	if err != nil {
		return err
	}
	d.ds = ds
	defer func() {
		if err != nil {
			d.Close()
			d.reset()
		}
	}()

	d.spacing = make([][3]float64, ds.LevelCount())
	for i := range d.spacing {
		d.spacing[i] = [3]float64{1, 1, 1}
	}
	if err := d.readCustomData(path); err != nil {
		return err
	}
	return d.calculateSpacing()
}

// readCustomData copies the presentation elements of the descriptor.
func (d *Dataset) readCustomData(path string) error {
	desc, err := xfdl.ReadFile(path)
	if err != nil {
		return err
	}
	d.dataType = desc.DataType
	d.origin = desc.Origin
	d.spacing[len(d.spacing)-1] = desc.Spacing
	d.grid = desc.Grid
	return nil
}

// calculateSpacing sets spacing[level] = rootSpacing * rootLen / levelLen
// per axis, where the root is the finest level.
func (d *Dataset) calculateSpacing() error {
	n := d.ds.LevelCount()
	if err := d.ds.SetLevel(n - 1); err != nil {
		return err
	}
	root := d.ds.Bounds()
	rootSpacing := d.spacing[n-1]
	for level := n - 2; level >= 0; level-- {
		if err := d.ds.SetLevel(level); err != nil {
			return err
		}
		child := d.ds.Bounds()
		for axis := 0; axis < 3; axis++ {
			d.spacing[level][axis] = rootSpacing[axis] * float64(root.Len(axis)) / float64(child.Len(axis))
		}
	}
	return nil
}

// Close releases the data source.
func (d *Dataset) Close() {
	if d.ds != nil {
		d.ds.Close()
		d.ds = nil
	}
}

// Source returns the open data source, or nil.
func (d *Dataset) Source() *granite.DataSource { return d.ds }

// Path returns the descriptor path.
func (d *Dataset) Path() string { return d.path }

// DataType returns the data set type from the descriptor.
func (d *Dataset) DataType() string { return d.dataType }

// Origin returns the data set origin.
func (d *Dataset) Origin() [3]float64 { return d.origin }

// RootSpacing returns the spacing of the finest level.
func (d *Dataset) RootSpacing() [3]float64 { return d.spacing[len(d.spacing)-1] }

// Spacing returns the spacing of a display level.
func (d *Dataset) Spacing(level int) ([3]float64, bool) {
	if level < 0 || level >= len(d.spacing) {
		return [3]float64{}, false
	}
	return d.spacing[level], true
}

// Grid returns the rectilinear coordinates of axis, if any.
func (d *Dataset) Grid(axis int) []float64 { return d.grid[axis] }

// SetVOI restricts VolumeSize and reads to b.
func (d *Dataset) SetVOI(b granite.Bounds) {
	d.voi = b
	d.hasVOI = true
}

// ClearVOI removes the volume of interest.
func (d *Dataset) ClearVOI() {
	d.voi = granite.Bounds{}
	d.hasVOI = false
}

// VOI returns the volume of interest and whether one is set.
func (d *Dataset) VOI() (granite.Bounds, bool) { return d.voi, d.hasVOI }

// Extent returns the VOI if set, otherwise the bounds of the selected level.
func (d *Dataset) Extent() granite.Bounds {
	if d.hasVOI || d.ds == nil {
		return d.voi
	}
	return d.ds.Bounds()
}

// VolumeSize returns the number of samples in Extent, or 0 with neither a
// source nor a VOI.
func (d *Dataset) VolumeSize() int {
	if d.ds == nil && !d.hasVOI {
		return 0
	}
	e := d.Extent()
	return e.Len(0) * e.Len(1) * e.Len(2)
}

// AMRDivisions returns the number of blocks per axis on every level.
func (d *Dataset) AMRDivisions() int { return d.divisions }

// AMRBlockCount returns the number of blocks across all levels.
func (d *Dataset) AMRBlockCount() int {
	if d.ds == nil {
		return 0
	}
	return d.ds.LevelCount() * granite.BlocksPerLevel(d.divisions)
}

// AMRBlock selects the block's level on the data source and returns the
// level and the block's box. The selected level stays changed.
func (d *Dataset) AMRBlock(id int) (int, granite.Bounds, error) {
	if d.ds == nil {
		return 0, granite.Bounds{}, granite.ErrNotOpen
	}
	if id < 0 || id >= d.AMRBlockCount() {
		return 0, granite.Bounds{}, fmt.Errorf("%w: %d", granite.ErrBlockOutOfRange, id)
	}
	level, loc := granite.DecodeBlock(id, d.divisions)
	if err := d.ds.SetLevel(level); err != nil {
		return 0, granite.Bounds{}, err
	}
	return level, granite.BlockBox(d.ds.Bounds(), loc, d.divisions), nil
}

// VolumeSizeForBlock returns the number of samples in block id.
func (d *Dataset) VolumeSizeForBlock(id int) (int, error) {
	_, b, err := d.AMRBlock(id)
	if err != nil {
		return 0, err
	}
	return b.Len(0) * b.Len(1) * b.Len(2), nil
}

// FieldLayout groups the source's attributes into arrays.
func (d *Dataset) FieldLayout() field.Layout {
	if d.ds == nil {
		return field.Layout{}
	}
	return field.GroupAttributes(d.ds.AttributeNames())
}

// NewFieldData allocates arrays sized for the current extent.
func (d *Dataset) NewFieldData() *field.Data {
	return field.NewData(d.FieldLayout(), d.VolumeSize())
}

// ReadExtent reads b from the selected level into freshly allocated arrays.
func (d *Dataset) ReadExtent(b granite.Bounds) (*field.Data, error) {
	if d.ds == nil {
		return nil, granite.ErrNotOpen
	}
	data := field.NewData(d.FieldLayout(), b.Volume())
	if err := d.ds.CopyFloatData(b, data); err != nil {
		return nil, err
	}
	return data, nil
}

// ReadBlock reads AMR block id.
func (d *Dataset) ReadBlock(id int) (int, granite.Bounds, *field.Data, error) {
	level, b, err := d.AMRBlock(id)
	if err != nil {
		return 0, b, nil, err
	}
	data, err := d.ReadExtent(b)
	return level, b, data, err
}

// NewNativeRuntime starts an in-process Granite runtime.
func NewNativeRuntime(settings granite.Settings, opts ...native.Option) (*granite.Runtime, error) {
	b, err := native.New(opts...)
	if err != nil {
		return nil, err
	}
	return granite.NewRuntime(b, settings)
}
