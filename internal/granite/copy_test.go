package granite

import (
	"errors"
	"testing"
)

type testArray struct {
	comps  int
	values []float32
}

func (a *testArray) NumberOfComponents() int { return a.comps }

func (a *testArray) SetComponent(tuple, comp int, v float32) {
	a.values[tuple*a.comps+comp] = v
}

type testSink struct {
	tuples int
	arrays []*testArray
}

func newTestSink(tuples int, comps ...int) *testSink {
	s := &testSink{tuples: tuples}
	for _, c := range comps {
		s.arrays = append(s.arrays, &testArray{comps: c, values: make([]float32, tuples*c)})
	}
	return s
}

func (s *testSink) NumberOfArrays() int        { return len(s.arrays) }
func (s *testSink) Array(i int) AttributeArray { return s.arrays[i] }
func (s *testSink) NumberOfTuples() int        { return s.tuples }

func TestCopyFloatDataOrder(t *testing.T) {
	f := newFakeBridge()
	values := []float32{10, 11, 20, 21}
	f.sources["pair.xfdl"] = &fakeSource{
		levels: []Bounds{{0, 0, 0, 0, 0, 1}},
		attrs:  []string{"a", "b"},
		value: func(_, _, _, z, a int) float32 {
			return values[z*2+a]
		},
	}
	rt := newTestRuntime(f)
	ds, err := Open(rt, "pair.xfdl", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ds.Close()

	sink := newTestSink(2, 1, 1)
	if err := ds.CopyFloatData(ds.Bounds(), sink); err != nil {
		t.Fatalf("CopyFloatData: %v", err)
	}
	if countCalls(f.callLog(), "subblock") != 2 {
		t.Fatalf("expected one subblock per slice")
	}
	a0, a1 := sink.arrays[0].values, sink.arrays[1].values
	if a0[0] != 10 || a1[0] != 11 || a0[1] != 20 || a1[1] != 21 {
		t.Fatalf("array0 = %v, array1 = %v", a0, a1)
	}
}

func TestCopyFloatDataComponents(t *testing.T) {
	f := newFakeBridge()
	f.sources["vec.xfdl"] = &fakeSource{
		levels: []Bounds{{0, 1, 0, 0, 0, 1}},
		attrs:  []string{"v.x", "v.y", "p"},
		value:  sampleValue,
	}
	rt := newTestRuntime(f)
	ds, err := Open(rt, "vec.xfdl", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ds.Close()

	sink := newTestSink(4, 2, 1)
	if err := ds.CopyFloatData(ds.Bounds(), sink); err != nil {
		t.Fatalf("CopyFloatData: %v", err)
	}
	// Tuples run x fastest, then z.
	tuple := 0
	for z := 0; z <= 1; z++ {
		for x := 0; x <= 1; x++ {
			v := sink.arrays[0].values[2*tuple : 2*tuple+2]
			if v[0] != sampleValue(0, x, 0, z, 0) || v[1] != sampleValue(0, x, 0, z, 1) {
				t.Fatalf("tuple %d v = %v", tuple, v)
			}
			if p := sink.arrays[1].values[tuple]; p != sampleValue(0, x, 0, z, 2) {
				t.Fatalf("tuple %d p = %v", tuple, p)
			}
			tuple++
		}
	}
}

func TestCopyFloatDataReleasesEachSlice(t *testing.T) {
	f := newFakeBridge()
	f.sources["mr.xfdl"] = threeLevelSource()
	rt := newTestRuntime(f)
	ds, err := Open(rt, "mr.xfdl", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ds.Close()

	b := ds.Bounds()
	sink := newTestSink(b.Volume(), 1)
	if err := ds.CopyFloatData(b, sink); err != nil {
		t.Fatalf("CopyFloatData: %v", err)
	}
	if n := f.live(); n != 1 {
		t.Fatalf("%d remote objects alive after copy, want 1", n)
	}
	if got := sink.arrays[0].values[b.Volume()-1]; got != 777 {
		t.Fatalf("last value = %v, want 777", got)
	}
}

func TestCopyFloatDataFailureKeepsWrittenSlices(t *testing.T) {
	f := newFakeBridge()
	f.sources["mr.xfdl"] = threeLevelSource()
	f.failAt["subblock"] = 2
	rt := newTestRuntime(f)
	ds, err := Open(rt, "mr.xfdl", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ds.Close()

	b := Bounds{0, 1, 0, 1, 0, 3}
	sink := newTestSink(b.Volume(), 1)
	sink.arrays[0].values[4] = -1
	err = ds.CopyFloatData(b, sink)
	var re *RemoteError
	if !errors.As(err, &re) || re.Op != OpDataSourceSubblock {
		t.Fatalf("err = %v", err)
	}
	if countCalls(f.callLog(), "subblock") != 2 {
		t.Fatalf("copy continued after failure")
	}
	if sink.arrays[0].values[3] != 11 {
		t.Fatalf("first slice lost: %v", sink.arrays[0].values)
	}
	if sink.arrays[0].values[4] != -1 {
		t.Fatalf("second slice written despite failure")
	}
}

func TestCopyFloatDataRejectsBadSinks(t *testing.T) {
	f := newFakeBridge()
	f.sources["mr.xfdl"] = threeLevelSource()
	rt := newTestRuntime(f)
	ds, err := Open(rt, "mr.xfdl", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ds.Close()

	b := Bounds{0, 1, 0, 1, 0, 1}
	if err := ds.CopyFloatData(b, newTestSink(8)); err == nil {
		t.Fatalf("expected error for sink without arrays")
	}
	if err := ds.CopyFloatData(b, newTestSink(8, 0)); err == nil {
		t.Fatalf("expected error for array without components")
	}
	if err := ds.CopyFloatData(b, newTestSink(3, 1)); !errors.Is(err, ErrSinkOverflow) {
		t.Fatalf("err = %v, want ErrSinkOverflow", err)
	}
	if err := ds.CopyFloatData(Bounds{1, 0, 0, 0, 0, 0}, newTestSink(1, 1)); err == nil {
		t.Fatalf("expected error for inverted bounds")
	}
}

func TestReadFloats(t *testing.T) {
	f := newFakeBridge()
	f.sources["mr.xfdl"] = threeLevelSource()
	rt := newTestRuntime(f)
	ds, err := Open(rt, "mr.xfdl", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ds.Close()

	if err := ds.SetLevel(0); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	got, err := ds.ReadFloats(ds.Bounds())
	if err != nil {
		t.Fatalf("ReadFloats: %v", err)
	}
	if len(got) != 8 || got[0] != 2000 || got[7] != 2111 {
		t.Fatalf("ReadFloats = %v", got)
	}
}
