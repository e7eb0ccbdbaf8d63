package service

import (
	"bytes"
	"errors"
	"image/color"
	"image/png"
	"math"
	"testing"
	"time"

	"github.com/granite-tiles/server/internal/cache"
	"github.com/granite-tiles/server/internal/dataset"
	"github.com/granite-tiles/server/internal/field"
	"github.com/granite-tiles/server/internal/granite"
	"github.com/granite-tiles/server/internal/render"
	"github.com/granite-tiles/server/internal/xfdl"
	"github.com/granite-tiles/server/pkg/colormap"
)

func newRuntime(t *testing.T) *granite.Runtime {
	t.Helper()
	rt, err := dataset.NewNativeRuntime(granite.Settings{})
	if err != nil {
		t.Fatalf("NewNativeRuntime: %v", err)
	}
	return rt
}

func newCache(t *testing.T) *cache.Manager {
	t.Helper()
	m, err := cache.NewManager(cache.Config{SliceCacheSizeMB: 8, SliceTTL: time.Minute})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// writeVectorVolume writes a 6x4x2 single resolution set with u.x = i,
// u.y = 2i and t = -i.
func writeVectorVolume(t *testing.T) string {
	t.Helper()
	b := granite.Bounds{0, 5, 0, 3, 0, 1}
	data := field.NewData(field.GroupAttributes([]string{"u.x", "u.y", "t"}), b.Volume())
	for i := 0; i < b.Volume(); i++ {
		data.Arrays[0].SetComponent(i, 0, float32(i))
		data.Arrays[0].SetComponent(i, 1, float32(2*i))
		data.Arrays[1].SetComponent(i, 0, float32(-i))
	}
	path, err := xfdl.Write(t.TempDir(), "vec", &xfdl.Volume{
		Bounds:   b,
		Data:     data,
		DataType: xfdl.TypeImageData,
		Origin:   [3]float64{1, 2, 3},
		Spacing:  [3]float64{0.5, 0.5, 0.5},
	}, xfdl.WriteOptions{Levels: 1})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	return path
}

// writeDensityVolume writes an 8^3 three level set with density = i.
func writeDensityVolume(t *testing.T) string {
	t.Helper()
	b := granite.Bounds{0, 7, 0, 7, 0, 7}
	data := field.NewData(field.GroupAttributes([]string{"density"}), b.Volume())
	for i := 0; i < b.Volume(); i++ {
		data.Arrays[0].SetComponent(i, 0, float32(i))
	}
	path, err := xfdl.Write(t.TempDir(), "density", &xfdl.Volume{
		Bounds:   b,
		Data:     data,
		DataType: xfdl.TypeImageData,
		Spacing:  [3]float64{1, 1, 1},
	}, xfdl.WriteOptions{Levels: 3, Steps: 2})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	return path
}

func newService(t *testing.T, rt *granite.Runtime, path string, c *cache.Manager) *VolumeService {
	t.Helper()
	svc, err := NewVolumeService(VolumeServiceConfig{
		DatasetID: "test",
		Path:      path,
		Runtime:   rt,
		Divisions: 2,
		Cache:     c,
		Renderer:  render.NewSliceRenderer(render.Config{}),
	})
	if err != nil {
		t.Fatalf("NewVolumeService: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func TestSingleResolutionReader(t *testing.T) {
	rt := newRuntime(t)
	path := writeVectorVolume(t)

	if !CanRead(rt, path) {
		t.Fatalf("CanRead = false")
	}
	if CanReadAMR(rt, path) {
		t.Fatalf("CanReadAMR = true for a single resolution set")
	}

	svc := newService(t, rt, path, newCache(t))

	info, err := svc.Information()
	if err != nil {
		t.Fatalf("Information: %v", err)
	}
	if info.WholeExtent != (granite.Bounds{0, 5, 0, 3, 0, 1}) || info.VolumeSize != 48 {
		t.Fatalf("unexpected extent: %+v", info)
	}
	if info.Multiresolution || info.AMR || info.LevelCount != 1 {
		t.Fatalf("unexpected kind: %+v", info)
	}
	if info.Origin != [3]float64{1, 2, 3} || info.Spacing != [3]float64{0.5, 0.5, 0.5} {
		t.Fatalf("unexpected geometry: %+v", info)
	}
	if info.Fields.Active != "u" || len(info.Fields.Arrays) != 2 {
		t.Fatalf("unexpected fields: %+v", info.Fields)
	}

	sub := granite.Bounds{1, 2, 1, 2, 1, 1}
	vd, err := svc.ReadExtent(-1, &sub)
	if err != nil {
		t.Fatalf("ReadExtent: %v", err)
	}
	if vd.Data.NumberOfTuples() != 4 {
		t.Fatalf("tuples = %d", vd.Data.NumberOfTuples())
	}
	// (1,1,1) is sample 1 + 1*6 + 1*24.
	if got := vd.Data.ArrayByName("u").Component(0, 0); got != 31 {
		t.Fatalf("u.x at (1,1,1) = %v", got)
	}

	bad := granite.Bounds{0, 9, 0, 3, 0, 1}
	if _, err := svc.ReadExtent(0, &bad); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.ReadExtent(3, nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for level 3, got %v", err)
	}

	if _, err := svc.AMRMetadata(); !errors.Is(err, ErrNotAMR) {
		t.Fatalf("expected ErrNotAMR, got %v", err)
	}
}

func TestVOI(t *testing.T) {
	svc := newService(t, newRuntime(t), writeVectorVolume(t), nil)

	if err := svc.SetVOI(granite.Bounds{0, 6, 0, 3, 0, 1}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if err := svc.SetVOI(granite.Bounds{0, 1, 0, 1, 0, 0}); err != nil {
		t.Fatalf("SetVOI: %v", err)
	}

	vd, err := svc.ReadExtent(-1, nil)
	if err != nil {
		t.Fatalf("ReadExtent: %v", err)
	}
	if vd.Bounds != (granite.Bounds{0, 1, 0, 1, 0, 0}) || vd.Data.NumberOfTuples() != 4 {
		t.Fatalf("unexpected VOI read: %v", vd.Bounds)
	}

	info, err := svc.Information()
	if err != nil {
		t.Fatal(err)
	}
	if info.VolumeSize != 4 {
		t.Fatalf("VolumeSize = %d", info.VolumeSize)
	}

	svc.ClearVOI()
	vd, err = svc.ReadExtent(-1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if vd.Data.NumberOfTuples() != 48 {
		t.Fatalf("tuples after ClearVOI = %d", vd.Data.NumberOfTuples())
	}
}

func TestStats(t *testing.T) {
	c := newCache(t)
	svc := newService(t, newRuntime(t), writeVectorVolume(t), c)

	st, err := svc.Stats(-1, "u", "x")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Count != 48 || st.Min != 0 || st.Max != 47 || st.Mean != 23.5 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	// Default array and component.
	st, err = svc.Stats(-1, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if st.Array != "u" || st.Component != "x" {
		t.Fatalf("unexpected default field %s.%s", st.Array, st.Component)
	}

	if _, ok := c.GetQuery(cache.StatsKey("test", 0, "u", "x")); !ok {
		t.Fatalf("stats not cached")
	}

	if _, err := svc.Stats(-1, "u", "z"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestRenderSlice(t *testing.T) {
	c := newCache(t)
	svc := newService(t, newRuntime(t), writeVectorVolume(t), c)

	req := SliceRequest{Level: 0, Z: 1, Array: field.DefaultArrayName, Colormap: "grayscale"}
	data, err := svc.RenderSlice(req)
	if err != nil {
		t.Fatalf("RenderSlice: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 6 || b.Dy() != 4 {
		t.Fatalf("unexpected size %v", b)
	}

	again, err := svc.RenderSlice(req)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Fatalf("cached slice differs")
	}
	if n := c.Stats()["slice_cache_len"].(int); n != 1 {
		t.Fatalf("slice cache holds %d entries", n)
	}

	if _, err := svc.RenderSlice(SliceRequest{Level: 0, Z: 2}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for z=2, got %v", err)
	}
	if _, err := svc.RenderSlice(SliceRequest{Level: 0, Z: 0, Array: "nope"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for unknown array, got %v", err)
	}
}

func TestRenderSliceColorRange(t *testing.T) {
	svc := newService(t, newRuntime(t), writeVectorVolume(t), nil)

	nan := math.NaN()
	for _, v := range []float64{nan, math.Inf(-1), 1e300} {
		v := v
		if _, err := svc.RenderSlice(SliceRequest{Level: 0, Z: 0, Min: &v}); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("min %v: expected ErrInvalidRequest, got %v", v, err)
		}
	}

	lo, hi := 100.0, 200.0
	if _, err := svc.RenderSlice(SliceRequest{Level: 0, Z: 0, Colormap: "categorical", Min: &lo, Max: &hi}); err != nil {
		t.Fatalf("range above the data: %v", err)
	}
}

func TestRenderSliceInfiniteSamples(t *testing.T) {
	b := granite.Bounds{0, 1, 0, 1, 0, 0}
	data := field.NewData(field.GroupAttributes([]string{"v"}), b.Volume())
	for i, v := range []float32{float32(math.Inf(-1)), 1, 3, float32(math.Inf(1))} {
		data.Arrays[0].SetComponent(i, 0, v)
	}
	path, err := xfdl.Write(t.TempDir(), "inf", &xfdl.Volume{
		Bounds:   b,
		Data:     data,
		DataType: xfdl.TypeImageData,
		Spacing:  [3]float64{1, 1, 1},
	}, xfdl.WriteOptions{Levels: 1})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	svc := newService(t, newRuntime(t), path, nil)

	st, err := svc.Stats(0, field.DefaultArrayName, "v")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Min != 1 || st.Max != 3 || st.InfCount != 2 {
		t.Fatalf("stats = %+v", st)
	}

	out, err := svc.RenderSlice(SliceRequest{Level: 0, Z: 0, Colormap: "grayscale"})
	if err != nil {
		t.Fatalf("RenderSlice: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	// Row 0 is drawn at the bottom: -Inf at (0,1), +Inf at (1,0).
	if _, _, _, a := img.At(0, 1).RGBA(); a != 0 {
		t.Fatalf("-Inf sample should be transparent")
	}
	if _, _, _, a := img.At(1, 0).RGBA(); a != 0 {
		t.Fatalf("+Inf sample should be transparent")
	}
	if r, _, _, a := img.At(1, 1).RGBA(); r != 0 || a == 0 {
		t.Fatalf("minimum sample = %v, want black", img.At(1, 1))
	}
}

func TestAMRReader(t *testing.T) {
	rt := newRuntime(t)
	path := writeDensityVolume(t)

	if CanRead(rt, path) {
		t.Fatalf("CanRead = true for a multiresolution set")
	}
	if !CanReadAMR(rt, path) {
		t.Fatalf("CanReadAMR = false")
	}

	c := newCache(t)
	svc := newService(t, rt, path, c)

	levels, err := svc.Levels()
	if err != nil {
		t.Fatalf("Levels: %v", err)
	}
	if len(levels) != 3 || levels[0].Dims != [3]int{2, 2, 2} || levels[0].Spacing != [3]float64{4, 4, 4} {
		t.Fatalf("unexpected levels: %+v", levels)
	}

	md, err := svc.AMRMetadata()
	if err != nil {
		t.Fatalf("AMRMetadata: %v", err)
	}
	if md.BlocksPerLevel != 8 || len(md.Blocks) != 24 || len(md.Levels) != 3 {
		t.Fatalf("unexpected metadata: %d blocks", len(md.Blocks))
	}
	b1 := md.Blocks[1]
	if b1.Level != 0 || b1.Location != [3]int{1, 0, 0} || b1.PointBox != (granite.Bounds{1, 1, 0, 1, 0, 1}) {
		t.Fatalf("unexpected block 1: %+v", b1)
	}
	if b1.CellBox != (granite.Bounds{1, 2, 0, 2, 0, 2}) {
		t.Fatalf("unexpected cell box: %v", b1.CellBox)
	}
	b9 := md.Blocks[9]
	if b9.Level != 1 || b9.Index != 1 || b9.SourceIndex != 9 {
		t.Fatalf("unexpected block 9: %+v", b9)
	}

	// Cached metadata round-trips.
	md2, err := svc.AMRMetadata()
	if err != nil || len(md2.Blocks) != 24 || md2.Blocks[1].PointBox != b1.PointBox {
		t.Fatalf("cached metadata mismatch: %v", err)
	}

	blk, err := svc.AMRBlock(23)
	if err != nil {
		t.Fatalf("AMRBlock: %v", err)
	}
	if blk.Level != 2 || blk.Box != (granite.Bounds{4, 7, 4, 7, 4, 7}) {
		t.Fatalf("unexpected block 23: level %d box %v", blk.Level, blk.Box)
	}
	values := make([]float32, len(blk.Payload)/xfdl.FloatSize)
	xfdl.DecodeFloats(values, blk.Payload)
	if len(values) != 64 || values[0] != 292 || values[1] != 293 || values[63] != 511 {
		t.Fatalf("unexpected payload: %d values, first %v", len(values), values[0])
	}

	if _, err := svc.AMRBlock(24); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	// Multiresolution information does not pin a VOI.
	if _, err := svc.Information(); err != nil {
		t.Fatal(err)
	}
	vd, err := svc.ReadExtent(0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if vd.Bounds != (granite.Bounds{0, 1, 0, 1, 0, 1}) {
		t.Fatalf("coarse read bounds = %v", vd.Bounds)
	}
}

func TestRenderBlockMap(t *testing.T) {
	svc := newService(t, newRuntime(t), writeDensityVolume(t), nil)

	data, err := svc.RenderBlockMap(0, 0)
	if err != nil {
		t.Fatalf("RenderBlockMap: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	same := func(a, b color.Color) bool {
		r1, g1, b1, a1 := a.RGBA()
		r2, g2, b2, a2 := b.RGBA()
		return r1 == r2 && g1 == g2 && b1 == b2 && a1 == a2
	}
	// Row y=0 is drawn at the bottom.
	if !same(img.At(0, 1), colormap.Categorical.AtIndex(0)) {
		t.Fatalf("(0,0) not block 0")
	}
	if !same(img.At(1, 0), colormap.Categorical.AtIndex(3)) {
		t.Fatalf("(1,1) not block 3")
	}
}
