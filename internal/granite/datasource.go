package granite

import (
	"fmt"
)

// sourceName is the name given to every remote data source this package creates.
const sourceName = "GraniteSource"

// DataSource is an open Granite data source together with the metadata
// cached at activation: dimensionality, per-level bounds and attribute names.
//
// Level numbering differs between the two sides. The remote runtime counts
// from the finest level (0) towards coarser ones, which is also the order the
// bounds are cached in. Callers see display levels where 0 is the coarsest.
//
// A DataSource is not safe for concurrent use.
type DataSource struct {
	rt   *Runtime
	obj  Object
	path string

	multires bool
	dims     int
	levels   []Bounds // native order, finest first
	current  int      // native index into levels
	attrs    []string
}

// Open creates a remote data source for path. With activate set the source
// is activated and its metadata cached. On failure the remote reference is
// released and rt.LastErrorMessage describes the remote side of the problem.
func Open(rt *Runtime, path string, activate bool) (*DataSource, error) {
	if !rt.Usable() {
		return nil, ErrRuntimeInit
	}
	rt.ClearError()

	obj, err := rt.CreateDataSource(sourceName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	ds := &DataSource{rt: rt, obj: obj, path: path}
	ds.clearValues()

	if activate {
		if err := rt.Activate(obj); err != nil {
			ds.Close()
			return nil, fmt.Errorf("failed to activate %s: %w", path, err)
		}
		if err := ds.cacheValues(); err != nil {
			ds.Close()
			return nil, fmt.Errorf("failed to read metadata for %s: %w", path, err)
		}
	}
	return ds, nil
}

// Path returns the path the source was opened with.
func (ds *DataSource) Path() string { return ds.path }

// Runtime returns the runtime the source belongs to.
func (ds *DataSource) Runtime() *Runtime { return ds.rt }

// Dimensions returns the dimensionality reported by the remote source.
func (ds *DataSource) Dimensions() int { return ds.dims }

// IsMultiresolution reports whether the source has more than one resolution level.
func (ds *DataSource) IsMultiresolution() bool { return ds.multires }

// AttributeCount returns the number of attributes per sample.
func (ds *DataSource) AttributeCount() int { return len(ds.attrs) }

// AttributeName returns attribute i, or "" if i is out of range.
func (ds *DataSource) AttributeName(i int) string {
	if i < 0 || i >= len(ds.attrs) {
		return ""
	}
	return ds.attrs[i]
}

// AttributeNames returns a copy of all attribute names.
func (ds *DataSource) AttributeNames() []string {
	return append([]string(nil), ds.attrs...)
}

// LevelCount returns the number of cached resolution levels (at least 1).
func (ds *DataSource) LevelCount() int { return len(ds.levels) }

// Level returns the selected display level.
func (ds *DataSource) Level() int {
	return len(ds.levels) - 1 - ds.current
}

// Bounds returns the bounds of the selected level.
func (ds *DataSource) Bounds() Bounds {
	return ds.levels[ds.current]
}

// LevelBounds returns the bounds of a display level without selecting it.
func (ds *DataSource) LevelBounds(display int) (Bounds, bool) {
	if display < 0 || display >= len(ds.levels) {
		return Bounds{}, false
	}
	return ds.levels[len(ds.levels)-1-display], true
}

// SetLevel selects a display level. Out of range levels are ignored.
// The remote source only moves relative to its current level, so it is
// first reset to the finest level and then stepped to the target.
func (ds *DataSource) SetLevel(display int) error {
	if ds.obj == 0 {
		return ErrNotOpen
	}
	if display < 0 || display >= len(ds.levels) {
		return nil
	}
	native := len(ds.levels) - 1 - display
	if ds.multires {
		if _, err := ds.rt.ChangeResolution(ds.obj, 0); err != nil {
			return err
		}
		if _, err := ds.rt.ChangeResolution(ds.obj, native); err != nil {
			return err
		}
	}
	ds.current = native
	return nil
}

// Close releases the remote data source.
func (ds *DataSource) Close() {
	if ds.obj == 0 {
		return
	}
	ds.rt.Release(ds.obj)
	ds.obj = 0
	ds.clearValues()
}

func (ds *DataSource) clearValues() {
	ds.multires = false
	ds.dims = 0
	ds.levels = []Bounds{{}}
	ds.current = 0
	ds.attrs = nil
}

func (ds *DataSource) cacheValues() error {
	ds.clearValues()

	name, err := ds.rt.ClassName(ds.obj)
	if err != nil {
		return err
	}
	multires := name == MultiresolutionClassName

	dims, err := ds.rt.Dim(ds.obj)
	if err != nil {
		return err
	}

	levels, err := ds.calculateBounds(multires)
	if err != nil {
		return err
	}

	count, err := ds.rt.NumAttributes(ds.obj)
	if err != nil {
		return err
	}
	rd, err := ds.rt.RecordDescriptor(ds.obj)
	if err != nil {
		return err
	}
	defer ds.rt.Release(rd)

	attrs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		n, err := ds.rt.AttributeName(rd, i)
		if err != nil {
			return err
		}
		attrs = append(attrs, n)
	}

	// The bounds walk leaves the remote source at its coarsest level.
	if multires {
		if _, err := ds.rt.ChangeResolution(ds.obj, 0); err != nil {
			return err
		}
	}

	ds.multires = multires
	ds.dims = dims
	ds.levels = levels
	ds.attrs = attrs
	return nil
}

// calculateBounds walks from the current (finest) level towards the
// coarsest, recording the bounds of each.
func (ds *DataSource) calculateBounds(multires bool) ([]Bounds, error) {
	var levels []Bounds
	if multires {
		n, err := ds.rt.NumResolutionLevels(ds.obj)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			levels = make([]Bounds, 0, n)
		}
	}

	for {
		b, err := ds.readBounds()
		if err != nil {
			return nil, err
		}
		levels = append(levels, b)
		if !multires {
			break
		}
		more, err := ds.rt.Coarser(ds.obj)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	return levels, nil
}

func (ds *DataSource) readBounds() (Bounds, error) {
	var b Bounds
	remote, err := ds.rt.Bounds(ds.obj)
	if err != nil {
		return b, err
	}
	defer ds.rt.Release(remote)

	for axis := 0; axis < 3; axis++ {
		lo, err := ds.rt.Lower(remote, 2-axis)
		if err != nil {
			return b, err
		}
		hi, err := ds.rt.Upper(remote, 2-axis)
		if err != nil {
			return b, err
		}
		b[2*axis], b[2*axis+1] = lo, hi
	}
	return b, nil
}
