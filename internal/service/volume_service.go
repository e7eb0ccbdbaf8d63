// Package service provides business logic for the Granite volume server.
package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/granite-tiles/server/internal/cache"
	"github.com/granite-tiles/server/internal/dataset"
	"github.com/granite-tiles/server/internal/field"
	"github.com/granite-tiles/server/internal/granite"
	"github.com/granite-tiles/server/internal/render"
	"github.com/granite-tiles/server/internal/xfdl"
)

// ErrInvalidRequest marks errors caused by request parameters.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotAMR is returned by AMR operations on datasets the AMR reader rejects.
var ErrNotAMR = errors.New("dataset cannot be read as AMR")

// VolumeServiceConfig contains volume service configuration.
type VolumeServiceConfig struct {
	DatasetID string
	Path      string
	Runtime   *granite.Runtime
	Divisions int
	Cache     *cache.Manager
	Renderer  *render.SliceRenderer
}

// VolumeService serves one Granite dataset. Every access to the dataset is
// serialised by mu.
type VolumeService struct {
	datasetID string
	cache     *cache.Manager
	renderer  *render.SliceRenderer

	mu sync.Mutex
	ds *dataset.Dataset

	group singleflight.Group
}

// NewVolumeService opens the dataset at cfg.Path.
func NewVolumeService(cfg VolumeServiceConfig) (*VolumeService, error) {
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}

	ds := dataset.New(cfg.Runtime, cfg.Divisions)
	if err := ds.Initialize(cfg.Path); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Path, err)
	}

	return &VolumeService{
		datasetID: datasetID,
		cache:     cfg.Cache,
		renderer:  cfg.Renderer,
		ds:        ds,
	}, nil
}

// CanRead reports whether path can be served by the single-resolution reader.
func CanRead(rt *granite.Runtime, path string) bool {
	src, err := granite.Open(rt, path, true)
	if err != nil {
		return false
	}
	defer src.Close()
	return !src.IsMultiresolution()
}

// CanReadAMR reports whether path can be served by the AMR reader: a
// multiresolution source with at most one attribute.
func CanReadAMR(rt *granite.Runtime, path string) bool {
	src, err := granite.Open(rt, path, true)
	if err != nil {
		return false
	}
	defer src.Close()
	return src.IsMultiresolution() && src.AttributeCount() <= 1
}

// DatasetID returns the registry ID of the dataset.
func (s *VolumeService) DatasetID() string { return s.datasetID }

// Close releases the dataset.
func (s *VolumeService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ds.Close()
}

// Reload reopens the dataset from disk and drops cached results.
func (s *VolumeService) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ds.Initialize(""); err != nil {
		return err
	}
	if s.cache != nil {
		return s.cache.Purge()
	}
	return nil
}

// VolumeInfo is the pipeline information of a dataset.
type VolumeInfo struct {
	DatasetID       string         `json:"dataset_id"`
	Path            string         `json:"path"`
	DataType        string         `json:"data_type"`
	Multiresolution bool           `json:"multiresolution"`
	AMR             bool           `json:"amr"`
	Dimensions      int            `json:"dimensions"`
	LevelCount      int            `json:"level_count"`
	WholeExtent     granite.Bounds `json:"whole_extent"`
	Origin          [3]float64     `json:"origin"`
	Spacing         [3]float64     `json:"spacing"`
	Fields          field.Layout   `json:"fields"`
	AMRDivisions    int            `json:"amr_divisions"`
	VolumeSize      int            `json:"volume_size"`
}

// Information returns the whole extent and geometry of the finest level.
// For single-resolution datasets without a VOI the bounds become the VOI.
func (s *VolumeService) Information() (*VolumeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.ds.Source()
	if src == nil {
		return nil, granite.ErrNotOpen
	}
	if err := src.SetLevel(src.LevelCount() - 1); err != nil {
		return nil, err
	}
	if _, ok := s.ds.VOI(); !ok && !src.IsMultiresolution() {
		s.ds.SetVOI(src.Bounds())
	}

	whole := src.Bounds()
	if voi, ok := s.ds.VOI(); ok {
		whole = voi
	}

	return &VolumeInfo{
		DatasetID:       s.datasetID,
		Path:            s.ds.Path(),
		DataType:        s.ds.DataType(),
		Multiresolution: src.IsMultiresolution(),
		AMR:             src.IsMultiresolution() && src.AttributeCount() <= 1,
		Dimensions:      src.Dimensions(),
		LevelCount:      src.LevelCount(),
		WholeExtent:     whole,
		Origin:          s.ds.Origin(),
		Spacing:         s.ds.RootSpacing(),
		Fields:          s.ds.FieldLayout(),
		AMRDivisions:    s.ds.AMRDivisions(),
		VolumeSize:      whole.Volume(),
	}, nil
}

// LevelInfo describes one display level.
type LevelInfo struct {
	Level   int            `json:"level"`
	Bounds  granite.Bounds `json:"bounds"`
	Dims    [3]int         `json:"dims"`
	Spacing [3]float64     `json:"spacing"`
}

// Levels lists every display level, coarsest first.
func (s *VolumeService) Levels() ([]LevelInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.ds.Source()
	if src == nil {
		return nil, granite.ErrNotOpen
	}
	out := make([]LevelInfo, src.LevelCount())
	for level := range out {
		b, _ := src.LevelBounds(level)
		spacing, _ := s.ds.Spacing(level)
		out[level] = LevelInfo{Level: level, Bounds: b, Dims: b.Dims(), Spacing: spacing}
	}
	return out, nil
}

// Fields returns the array layout of the dataset.
func (s *VolumeService) Fields() field.Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ds.FieldLayout()
}

// SetVOI restricts single-resolution reads to b.
func (s *VolumeService) SetVOI(b granite.Bounds) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.ds.Source()
	if src == nil {
		return granite.ErrNotOpen
	}
	root, _ := src.LevelBounds(src.LevelCount() - 1)
	if !b.Valid() || !root.Contains(b) {
		return fmt.Errorf("%w: VOI %s outside %s", ErrInvalidRequest, b, root)
	}
	s.ds.SetVOI(b)
	return nil
}

// ClearVOI removes the volume of interest.
func (s *VolumeService) ClearVOI() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ds.ClearVOI()
}

// VolumeData is the result of an extent read.
type VolumeData struct {
	Level   int
	Bounds  granite.Bounds
	Origin  [3]float64
	Spacing [3]float64
	// Grid holds the rectilinear coordinates covering Bounds, if any.
	Grid [3][]float64
	Data *field.Data
}

// ReadExtent reads b (or the level's whole extent when b is nil) from a
// display level. A negative level selects the finest.
func (s *VolumeService) ReadExtent(level int, b *granite.Bounds) (*VolumeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readExtentLocked(level, b)
}

func (s *VolumeService) readExtentLocked(level int, b *granite.Bounds) (*VolumeData, error) {
	level, full, err := s.selectLevel(level)
	if err != nil {
		return nil, err
	}

	extent := full
	if b != nil {
		extent = *b
	} else if voi, ok := s.ds.VOI(); ok && level == s.ds.Source().LevelCount()-1 {
		extent = voi
	}
	if !extent.Valid() || !full.Contains(extent) {
		return nil, fmt.Errorf("%w: extent %s outside level %d bounds %s", ErrInvalidRequest, extent, level, full)
	}

	data, err := s.ds.ReadExtent(extent)
	if err != nil {
		return nil, err
	}
	spacing, _ := s.ds.Spacing(level)
	return &VolumeData{
		Level:   level,
		Bounds:  extent,
		Origin:  s.ds.Origin(),
		Spacing: spacing,
		Grid:    s.gridFor(full, extent),
		Data:    data,
	}, nil
}

// selectLevel validates level and makes it current.
func (s *VolumeService) selectLevel(level int) (int, granite.Bounds, error) {
	src := s.ds.Source()
	if src == nil {
		return 0, granite.Bounds{}, granite.ErrNotOpen
	}
	if level < 0 {
		level = src.LevelCount() - 1
	}
	full, ok := src.LevelBounds(level)
	if !ok {
		return 0, granite.Bounds{}, fmt.Errorf("%w: level %d out of range [0,%d)", ErrInvalidRequest, level, src.LevelCount())
	}
	if err := src.SetLevel(level); err != nil {
		return 0, granite.Bounds{}, err
	}
	return level, full, nil
}

// gridFor slices the rectilinear coordinates to extent. Coordinates are
// indexed from the low corner of full.
func (s *VolumeService) gridFor(full, extent granite.Bounds) [3][]float64 {
	var out [3][]float64
	for axis := 0; axis < 3; axis++ {
		g := s.ds.Grid(axis)
		lo := extent[2*axis] - full[2*axis]
		hi := extent[2*axis+1] - full[2*axis] + 1
		if lo < 0 || hi > len(g) {
			continue
		}
		out[axis] = append([]float64(nil), g[lo:hi]...)
	}
	return out
}

// AMRBlockInfo describes one block of the AMR hierarchy.
type AMRBlockInfo struct {
	ID          int            `json:"id"`
	Level       int            `json:"level"`
	Index       int            `json:"index"`
	SourceIndex int            `json:"source_index"`
	Location    [3]int         `json:"location"`
	PointBox    granite.Bounds `json:"point_box"`
	CellBox     granite.Bounds `json:"cell_box"`
}

// AMRLevelInfo holds per-level geometry of the AMR hierarchy.
type AMRLevelInfo struct {
	Level   int        `json:"level"`
	Spacing [3]float64 `json:"spacing"`
	Blocks  int        `json:"blocks"`
}

// AMRMetadata describes the overlapping AMR view of a dataset.
type AMRMetadata struct {
	DatasetID      string         `json:"dataset_id"`
	Divisions      int            `json:"divisions"`
	BlocksPerLevel int            `json:"blocks_per_level"`
	Origin         [3]float64     `json:"origin"`
	Levels         []AMRLevelInfo `json:"levels"`
	Blocks         []AMRBlockInfo `json:"blocks"`
}

// AMRMetadata lists every block with its level and boxes. The result is
// cached as JSON.
func (s *VolumeService) AMRMetadata() (*AMRMetadata, error) {
	key := cache.MetadataKey(s.datasetID, "amr")
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			var md AMRMetadata
			if err := json.Unmarshal(data, &md); err == nil {
				return &md, nil
			}
		}
	}

	s.mu.Lock()
	md, err := s.amrMetadataLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(md); err == nil {
			s.cache.SetQuery(key, data)
		}
	}
	return md, nil
}

func (s *VolumeService) amrMetadataLocked() (*AMRMetadata, error) {
	src := s.ds.Source()
	if src == nil {
		return nil, granite.ErrNotOpen
	}
	if !src.IsMultiresolution() || src.AttributeCount() > 1 {
		return nil, ErrNotAMR
	}

	d := s.ds.AMRDivisions()
	per := granite.BlocksPerLevel(d)
	md := &AMRMetadata{
		DatasetID:      s.datasetID,
		Divisions:      d,
		BlocksPerLevel: per,
		Origin:         s.ds.Origin(),
		Levels:         make([]AMRLevelInfo, src.LevelCount()),
		Blocks:         make([]AMRBlockInfo, 0, s.ds.AMRBlockCount()),
	}
	for level := range md.Levels {
		spacing, _ := s.ds.Spacing(level)
		md.Levels[level] = AMRLevelInfo{Level: level, Spacing: spacing, Blocks: per}
	}

	for id := 0; id < s.ds.AMRBlockCount(); id++ {
		level, box, err := s.ds.AMRBlock(id)
		if err != nil {
			return nil, err
		}
		_, loc := granite.DecodeBlock(id, d)
		md.Blocks = append(md.Blocks, AMRBlockInfo{
			ID:          id,
			Level:       level,
			Index:       id - level*per,
			SourceIndex: id,
			Location:    loc,
			PointBox:    box,
			CellBox:     box.CellBounds(),
		})
	}
	return md, nil
}

// AMRBlockData is the cell data of one AMR block.
type AMRBlockData struct {
	ID      int
	Level   int
	Box     granite.Bounds
	Spacing [3]float64
	// Payload holds the block's values as big-endian float32, read raw
	// from the source's single attribute.
	Payload []byte
}

// AMRBlock reads one block. Encoded payloads are cached.
func (s *VolumeService) AMRBlock(id int) (*AMRBlockData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.ds.Source()
	if src == nil {
		return nil, granite.ErrNotOpen
	}
	if !src.IsMultiresolution() || src.AttributeCount() > 1 {
		return nil, ErrNotAMR
	}

	level, box, err := s.ds.AMRBlock(id)
	if err != nil {
		if errors.Is(err, granite.ErrBlockOutOfRange) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return nil, err
	}
	spacing, _ := s.ds.Spacing(level)
	out := &AMRBlockData{ID: id, Level: level, Box: box, Spacing: spacing}

	key := cache.BlockKey(s.datasetID, id)
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			out.Payload = data
			return out, nil
		}
	}

	// At most one attribute, so the raw payload is the block's values.
	values, err := src.ReadFloats(box)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(values) * xfdl.FloatSize)
	if err := xfdl.WriteFloats(&buf, values); err != nil {
		return nil, err
	}
	out.Payload = buf.Bytes()

	if s.cache != nil {
		s.cache.SetQuery(key, out.Payload)
	}
	return out, nil
}

// Stats returns statistics for one component over a display level.
func (s *VolumeService) Stats(level int, array, component string) (*ComponentStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked(level, array, component)
}

func (s *VolumeService) statsLocked(level int, array, component string) (*ComponentStats, error) {
	src := s.ds.Source()
	if src == nil {
		return nil, granite.ErrNotOpen
	}
	if level < 0 {
		level = src.LevelCount() - 1
	}
	layout := s.ds.FieldLayout()
	if array == "" {
		array = layout.Active
	}
	ai, ci, ok := layout.Find(array, component)
	if !ok {
		return nil, fmt.Errorf("%w: unknown field %s.%s", ErrInvalidRequest, array, component)
	}
	component = layout.Arrays[ai].Components[ci]

	key := cache.StatsKey(s.datasetID, level, array, component)
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			var st ComponentStats
			if err := json.Unmarshal(data, &st); err == nil {
				return &st, nil
			}
		}
	}

	level, full, err := s.selectLevel(level)
	if err != nil {
		return nil, err
	}
	data, err := s.ds.ReadExtent(full)
	if err != nil {
		return nil, err
	}

	st := computeStats(data.Arrays[ai].ComponentValues(ci))
	st.Array = array
	st.Component = component
	st.Level = level

	if s.cache != nil {
		if encoded, err := json.Marshal(st); err == nil {
			s.cache.SetQuery(key, encoded)
		}
	}
	return &st, nil
}

// SliceRequest selects one rendered z slice.
type SliceRequest struct {
	Level     int
	Z         int
	Array     string
	Component string
	Colormap  string
	// Min and Max fix the color range; nil uses the level's min/max.
	Min *float64
	Max *float64
}

func (r SliceRequest) cacheKey(datasetID string) string {
	opts := map[string]string{
		"array":     r.Array,
		"component": r.Component,
		"colormap":  r.Colormap,
	}
	if r.Min != nil {
		opts["min"] = strconv.FormatFloat(*r.Min, 'g', -1, 64)
	}
	if r.Max != nil {
		opts["max"] = strconv.FormatFloat(*r.Max, 'g', -1, 64)
	}
	return cache.SliceKey(datasetID, r.Level, r.Z, opts)
}

// RenderSlice renders a z slice of one component to PNG. Concurrent
// identical requests share one render.
func (s *VolumeService) RenderSlice(req SliceRequest) ([]byte, error) {
	key := req.cacheKey(s.datasetID)
	if s.cache != nil {
		if data, ok := s.cache.GetSlice(key); ok {
			return data, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		data, err := s.renderSlice(req)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if err := s.cache.SetSlice(key, data); err != nil {
				log.Printf("[Volume] failed to cache slice %s: %v", key, err)
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *VolumeService) renderSlice(req SliceRequest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	layout := s.ds.FieldLayout()
	array := req.Array
	if array == "" {
		array = layout.Active
	}
	ai, ci, ok := layout.Find(array, req.Component)
	if !ok {
		return nil, fmt.Errorf("%w: unknown field %s.%s", ErrInvalidRequest, array, req.Component)
	}

	level, full, err := s.selectLevel(req.Level)
	if err != nil {
		return nil, err
	}
	if req.Z < full[4] || req.Z > full[5] {
		return nil, fmt.Errorf("%w: z %d outside [%d,%d]", ErrInvalidRequest, req.Z, full[4], full[5])
	}

	for _, v := range []*float64{req.Min, req.Max} {
		if v != nil && !finiteFloat32(*v) {
			return nil, fmt.Errorf("%w: color range bound %v", ErrInvalidRequest, *v)
		}
	}
	lo, hi := req.Min, req.Max
	if lo == nil || hi == nil {
		st, err := s.statsLocked(level, array, layout.Arrays[ai].Components[ci])
		if err != nil {
			return nil, err
		}
		if lo == nil {
			lo = &st.Min
		}
		if hi == nil {
			hi = &st.Max
		}
		if _, _, err := s.selectLevel(level); err != nil {
			return nil, err
		}
	}

	slice := full.Slice(req.Z)
	data, err := s.ds.ReadExtent(slice)
	if err != nil {
		return nil, err
	}
	out, err := s.renderer.RenderSlice(render.Slice{
		Width:  slice.Len(0),
		Height: slice.Len(1),
		Values: data.Arrays[ai].ComponentValues(ci),
	}, float32(*lo), float32(*hi), req.Colormap)
	if errors.Is(err, render.ErrInvalidRange) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return out, err
}

// finiteFloat32 reports whether v survives conversion to a finite float32.
func finiteFloat32(v float64) bool {
	f := float64(float32(v))
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// RenderBlockMap renders which AMR block covers each sample of a z slice.
// Where blocks overlap the later block wins.
func (s *VolumeService) RenderBlockMap(level, z int) ([]byte, error) {
	key := cache.SliceKey(s.datasetID, level, z, map[string]string{"mode": "blocks"})
	if s.cache != nil {
		if data, ok := s.cache.GetSlice(key); ok {
			return data, nil
		}
	}

	s.mu.Lock()
	labels, err := s.blockLabelsLocked(level, z)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	data, err := s.renderer.RenderLabels(labels)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetSlice(key, data); err != nil {
			log.Printf("[Volume] failed to cache block map %s: %v", key, err)
		}
	}
	return data, nil
}

func (s *VolumeService) blockLabelsLocked(level, z int) (render.LabelSlice, error) {
	level, full, err := s.selectLevel(level)
	if err != nil {
		return render.LabelSlice{}, err
	}
	if z < full[4] || z > full[5] {
		return render.LabelSlice{}, fmt.Errorf("%w: z %d outside [%d,%d]", ErrInvalidRequest, z, full[4], full[5])
	}

	w, h := full.Len(0), full.Len(1)
	labels := render.LabelSlice{Width: w, Height: h, Labels: make([]int, w*h)}
	for i := range labels.Labels {
		labels.Labels[i] = -1
	}

	d := s.ds.AMRDivisions()
	per := granite.BlocksPerLevel(d)
	for idx := 0; idx < per; idx++ {
		id := level*per + idx
		_, loc := granite.DecodeBlock(id, d)
		box := granite.BlockBox(full, loc, d)
		if z < box[4] || z > box[5] {
			continue
		}
		for y := box[2]; y <= box[3]; y++ {
			for x := box[0]; x <= box[1]; x++ {
				labels.Labels[(y-full[2])*w+(x-full[0])] = idx
			}
		}
	}
	return labels, nil
}

// Snapshot reads a display level (optionally restricted to b) as an
// in-memory volume ready to be written with xfdl.Write.
func (s *VolumeService) Snapshot(level int, b *granite.Bounds) (*xfdl.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vd, err := s.readExtentLocked(level, b)
	if err != nil {
		return nil, err
	}
	return &xfdl.Volume{
		Bounds:   vd.Bounds,
		Data:     vd.Data,
		DataType: s.ds.DataType(),
		Origin:   vd.Origin,
		Spacing:  vd.Spacing,
		Grid:     vd.Grid,
	}, nil
}
