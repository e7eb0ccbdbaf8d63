package native

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/granite-tiles/server/internal/granite"
	"github.com/granite-tiles/server/internal/xfdl"
)

type source struct {
	path     string
	levels   []xfdl.Level
	current  int
	multires bool
	active   bool
}

func (s *source) level() xfdl.Level { return s.levels[s.current] }

type isBounds struct {
	low, high []int32
}

type block struct {
	bounds granite.Bounds
	attrs  int
	values []float32
}

type recordDescriptor struct {
	names []string
}

type handler func(b *Bridge, recv any, args []any) (any, error)

var (
	knownClasses = make(map[string]struct{})
	handlers     = make(map[method]handler)
)

func init() {
	for _, c := range granite.Classes() {
		knownClasses[c.String()] = struct{}{}
	}
	ops := map[granite.Op]handler{
		granite.OpDataSourceCreate:                   createDataSource,
		granite.OpDataSourceActivate:                 activate,
		granite.OpDataSourceDim:                      dim,
		granite.OpDataSourceSubblock:                 subblock,
		granite.OpDataCollectionGetBounds:            getBounds,
		granite.OpDataCollectionGetFloats:            getFloats,
		granite.OpDataCollectionGetNumAttributes:     getNumAttributes,
		granite.OpDataCollectionGetRecordDescriptor:  getRecordDescriptor,
		granite.OpMRDataSourceChangeResolution:       changeResolution,
		granite.OpMRDataSourceCoarser:                coarser,
		granite.OpMRDataSourceGetNumResolutionLevels: getNumResolutionLevels,
		granite.OpISBoundsGetLower:                   getLower,
		granite.OpISBoundsGetUpper:                   getUpper,
		granite.OpISBoundsNew:                        newISBounds,
		granite.OpRecordDescriptorName:               attributeName,
	}
	for op, h := range ops {
		s := op.Spec()
		handlers[method{class: s.Class.String(), name: s.Name, signature: s.Signature, static: s.Static}] = h
	}
}

func argString(args []any, i int) (string, error) {
	if i < len(args) {
		if s, ok := args[i].(string); ok {
			return s, nil
		}
	}
	return "", illegalArgument("argument %d: want string", i)
}

func argInt(args []any, i int) (int, error) {
	if i < len(args) {
		switch v := args[i].(type) {
		case int32:
			return int(v), nil
		case int:
			return v, nil
		}
	}
	return 0, illegalArgument("argument %d: want int", i)
}

func argInts(args []any, i int) ([]int32, error) {
	if i < len(args) {
		if v, ok := args[i].([]int32); ok {
			return v, nil
		}
	}
	return nil, illegalArgument("argument %d: want int[]", i)
}

func asSource(recv any) (*source, error) {
	s, ok := recv.(*source)
	if !ok {
		return nil, &granite.Exception{Class: "java.lang.ClassCastException", Message: fmt.Sprintf("%T is not a data source", recv)}
	}
	return s, nil
}

func asMultires(recv any) (*source, error) {
	s, err := asSource(recv)
	if err != nil {
		return nil, err
	}
	if !s.multires {
		return nil, &granite.Exception{Class: "java.lang.ClassCastException", Message: s.path + " is not multiresolution"}
	}
	return s, nil
}

func ioException(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return &granite.Exception{Class: "java.io.FileNotFoundException", Message: err.Error()}
	}
	return &granite.Exception{Class: "java.io.IOException", Message: err.Error()}
}

func createDataSource(b *Bridge, _ any, args []any) (any, error) {
	path, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	levels, err := xfdl.OpenLevels(path)
	if err != nil {
		return nil, ioException(err)
	}
	s := &source{path: path, levels: levels, multires: len(levels) > 1 || levels[0].Descriptor.Multiresolution()}
	return b.put(s), nil
}

func activate(b *Bridge, recv any, _ []any) (any, error) {
	s, err := asSource(recv)
	if err != nil {
		return nil, err
	}
	var total int64
	for i, l := range s.levels {
		fi, err := os.Stat(l.PayloadPath)
		if err != nil {
			return nil, ioException(err)
		}
		want := int64(l.Descriptor.Bounds().Volume()*len(l.Descriptor.Fields)) * xfdl.FloatSize
		if !l.Compressed() && fi.Size() < want {
			return nil, &granite.Exception{
				Class:   "java.io.EOFException",
				Message: fmt.Sprintf("level %d payload %s holds %d bytes, need %d", i, l.PayloadPath, fi.Size(), want),
			}
		}
		total += fi.Size()
	}
	s.active = true
	log.Printf("[Native] activated %s: %d level(s), %s on disk", s.path, len(s.levels), humanize.Bytes(uint64(total)))
	return nil, nil
}

func dim(b *Bridge, recv any, _ []any) (any, error) {
	s, err := asSource(recv)
	if err != nil {
		return nil, err
	}
	return int32(s.level().Descriptor.Dim()), nil
}

func getBounds(b *Bridge, recv any, _ []any) (any, error) {
	var bounds granite.Bounds
	switch o := recv.(type) {
	case *source:
		bounds = o.level().Descriptor.Bounds()
	case *block:
		bounds = o.bounds
	default:
		return nil, &granite.Exception{Class: "java.lang.ClassCastException", Message: fmt.Sprintf("%T is not a data collection", recv)}
	}
	low, high := bounds.Remote()
	return b.put(&isBounds{low: low, high: high}), nil
}

func getNumAttributes(b *Bridge, recv any, _ []any) (any, error) {
	switch o := recv.(type) {
	case *source:
		return int32(len(o.level().Descriptor.Fields)), nil
	case *block:
		return int32(o.attrs), nil
	}
	return nil, &granite.Exception{Class: "java.lang.ClassCastException", Message: fmt.Sprintf("%T is not a data collection", recv)}
}

func getRecordDescriptor(b *Bridge, recv any, _ []any) (any, error) {
	s, err := asSource(recv)
	if err != nil {
		return nil, err
	}
	return b.put(&recordDescriptor{names: s.level().Descriptor.FieldNames()}), nil
}

func getFloats(b *Bridge, recv any, _ []any) (any, error) {
	blk, ok := recv.(*block)
	if !ok {
		return nil, &granite.Exception{Class: "java.lang.UnsupportedOperationException", Message: "getFloats on a data source"}
	}
	return blk.values, nil
}

func changeResolution(b *Bridge, recv any, args []any) (any, error) {
	s, err := asMultires(recv)
	if err != nil {
		return nil, err
	}
	n, err := argInt(args, 0)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		s.current = 0
		return true, nil
	}
	next := s.current + n
	if next < 0 || next >= len(s.levels) {
		return false, nil
	}
	s.current = next
	return true, nil
}

func coarser(b *Bridge, recv any, _ []any) (any, error) {
	s, err := asMultires(recv)
	if err != nil {
		return nil, err
	}
	if s.current+1 >= len(s.levels) {
		return false, nil
	}
	s.current++
	return true, nil
}

func getNumResolutionLevels(b *Bridge, recv any, _ []any) (any, error) {
	s, err := asMultires(recv)
	if err != nil {
		return nil, err
	}
	return int32(len(s.levels)), nil
}

func newISBounds(b *Bridge, _ any, args []any) (any, error) {
	low, err := argInts(args, 0)
	if err != nil {
		return nil, err
	}
	high, err := argInts(args, 1)
	if err != nil {
		return nil, err
	}
	if len(low) != len(high) {
		return nil, illegalArgument("bounds rank mismatch: %d vs %d", len(low), len(high))
	}
	return b.put(&isBounds{low: append([]int32(nil), low...), high: append([]int32(nil), high...)}), nil
}

func boundsAxis(recv any, args []any) (*isBounds, int, error) {
	isb, ok := recv.(*isBounds)
	if !ok {
		return nil, 0, &granite.Exception{Class: "java.lang.ClassCastException", Message: fmt.Sprintf("%T is not ISBounds", recv)}
	}
	i, err := argInt(args, 0)
	if err != nil {
		return nil, 0, err
	}
	if i < 0 || i >= len(isb.low) {
		return nil, 0, &granite.Exception{Class: "java.lang.ArrayIndexOutOfBoundsException", Message: fmt.Sprint(i)}
	}
	return isb, i, nil
}

func getLower(b *Bridge, recv any, args []any) (any, error) {
	isb, i, err := boundsAxis(recv, args)
	if err != nil {
		return nil, err
	}
	return isb.low[i], nil
}

func getUpper(b *Bridge, recv any, args []any) (any, error) {
	isb, i, err := boundsAxis(recv, args)
	if err != nil {
		return nil, err
	}
	return isb.high[i], nil
}

func attributeName(b *Bridge, recv any, args []any) (any, error) {
	rd, ok := recv.(*recordDescriptor)
	if !ok {
		return nil, &granite.Exception{Class: "java.lang.ClassCastException", Message: fmt.Sprintf("%T is not a RecordDescriptor", recv)}
	}
	i, err := argInt(args, 0)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(rd.names) {
		return nil, &granite.Exception{Class: "java.lang.ArrayIndexOutOfBoundsException", Message: fmt.Sprint(i)}
	}
	return rd.names[i], nil
}

func subblock(b *Bridge, recv any, args []any) (any, error) {
	s, err := asSource(recv)
	if err != nil {
		return nil, err
	}
	if !s.active {
		return nil, &granite.Exception{Class: "java.lang.IllegalStateException", Message: s.path + " not activated"}
	}
	if len(args) < 1 {
		return nil, illegalArgument("missing bounds")
	}
	ref, _ := args[0].(granite.Object)
	isb, ok := b.objects[ref].(*isBounds)
	if !ok {
		return nil, nullPointer("bounds")
	}
	box := granite.BoundsFromRemote(isb.low, isb.high)
	l := s.level()
	values, err := b.readBox(l, box)
	if err != nil {
		return nil, err
	}
	return b.put(&block{bounds: box, attrs: len(l.Descriptor.Fields), values: values}), nil
}
