package granite

import "fmt"

// AttributeArray is one destination array of a copy.
type AttributeArray interface {
	NumberOfComponents() int
	SetComponent(tuple, component int, v float32)
}

// AttributeSink is the set of arrays a copy fills, tuple by tuple.
type AttributeSink interface {
	NumberOfArrays() int
	Array(i int) AttributeArray
	NumberOfTuples() int
}

// CopyFloatData reads the box b from the selected level and writes it into
// sink. The box is fetched one z slice at a time so the remote side never
// holds more than a slice. Values are assigned in order: every component of
// array 0, then array 1 and so on, then the next tuple. The tuple index runs
// on across slices.
//
// If a slice fails, values already written stay in the sink.
func (ds *DataSource) CopyFloatData(b Bounds, sink AttributeSink) error {
	if ds.obj == 0 {
		return ErrNotOpen
	}
	if !b.Valid() {
		return fmt.Errorf("invalid bounds %s", b)
	}

	narrays := sink.NumberOfArrays()
	if narrays == 0 {
		return fmt.Errorf("sink has no arrays")
	}
	arrays := make([]AttributeArray, narrays)
	comps := make([]int, narrays)
	for i := range arrays {
		arrays[i] = sink.Array(i)
		comps[i] = arrays[i].NumberOfComponents()
		if comps[i] <= 0 {
			return fmt.Errorf("sink array %d has no components", i)
		}
	}
	ntuples := sink.NumberOfTuples()

	tuple, array, comp := 0, 0, 0
	for z := b[4]; z <= b[5]; z++ {
		values, err := ds.readSlice(b.Slice(z))
		if err != nil {
			return fmt.Errorf("failed to read slice %d: %w", z, err)
		}
		for _, v := range values {
			if tuple >= ntuples {
				return ErrSinkOverflow
			}
			arrays[array].SetComponent(tuple, comp, v)
			comp++
			if comp >= comps[array] {
				comp = 0
				array++
			}
			if array >= narrays {
				array = 0
				tuple++
			}
		}
	}
	return nil
}

// ReadFloats returns the raw payload for b in remote order without
// distributing it over arrays.
func (ds *DataSource) ReadFloats(b Bounds) ([]float32, error) {
	if ds.obj == 0 {
		return nil, ErrNotOpen
	}
	if !b.Valid() {
		return nil, fmt.Errorf("invalid bounds %s", b)
	}
	out := make([]float32, 0, b.Volume()*len(ds.attrs))
	for z := b[4]; z <= b[5]; z++ {
		values, err := ds.readSlice(b.Slice(z))
		if err != nil {
			return nil, fmt.Errorf("failed to read slice %d: %w", z, err)
		}
		out = append(out, values...)
	}
	return out, nil
}

func (ds *DataSource) readSlice(b Bounds) ([]float32, error) {
	low, high := b.Remote()
	isb, err := ds.rt.NewISBounds(low, high)
	if err != nil {
		return nil, err
	}
	defer ds.rt.Release(isb)

	block, err := ds.rt.Subblock(ds.obj, isb)
	if err != nil {
		return nil, err
	}
	defer ds.rt.Release(block)

	return ds.rt.Floats(block)
}
