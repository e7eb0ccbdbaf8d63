package granite

import (
	"fmt"
	"strings"
	"sync"
)

// fakeSource is the template a fake data source is created from.
type fakeSource struct {
	multires bool
	levels   []Bounds // native order, finest first
	attrs    []string
	// value returns attribute a of sample (x,y,z) on native level l.
	value func(l, x, y, z, a int) float32
}

type fakeDS struct {
	src     *fakeSource
	current int
}

type fakeISBounds struct{ low, high []int32 }

type fakeBlock struct{ values []float32 }

type fakeRD struct{ names []string }

type fakeBridge struct {
	mu       sync.Mutex
	startErr error
	missing  string
	sources  map[string]*fakeSource
	failAt   map[string]int
	counts   map[string]int
	calls    []string
	options  []string
	classes  map[string]ClassRef
	methods  []string
	objects  map[Object]any
	nextObj  Object
	released int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		sources: make(map[string]*fakeSource),
		failAt:  make(map[string]int),
		counts:  make(map[string]int),
		classes: make(map[string]ClassRef),
		objects: make(map[Object]any),
	}
}

func (f *fakeBridge) Start(options []string) error {
	f.options = options
	return f.startErr
}

func (f *fakeBridge) FindClass(name string) (ClassRef, error) {
	if name == f.missing {
		return 0, &Exception{Class: "java.lang.NoClassDefFoundError", Message: name}
	}
	ref := ClassRef(len(f.classes) + 1)
	f.classes[name] = ref
	return ref, nil
}

func (f *fakeBridge) Method(class ClassRef, name, signature string, static bool) (MethodRef, error) {
	f.methods = append(f.methods, name)
	return MethodRef(len(f.methods)), nil
}

func (f *fakeBridge) put(v any) Object {
	f.nextObj++
	f.objects[f.nextObj] = v
	return f.nextObj
}

func (f *fakeBridge) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeBridge) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBridge) Invoke(m MethodRef, recv Object, args ...any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := f.methods[m-1]
	f.counts[name]++
	call := name
	if len(args) == 1 {
		if n, ok := args[0].(int32); ok {
			call = fmt.Sprintf("%s(%d)", name, n)
		}
	}
	f.calls = append(f.calls, call)
	if at, ok := f.failAt[name]; ok && f.counts[name] >= at {
		return nil, &Exception{Class: "java.io.IOException", Message: name + " failed"}
	}

	switch name {
	case "create":
		path := args[1].(string)
		src, ok := f.sources[path]
		if !ok {
			return nil, &Exception{Class: "java.io.FileNotFoundException", Message: path}
		}
		return f.put(&fakeDS{src: src}), nil
	case "<init>":
		return f.put(&fakeISBounds{low: args[0].([]int32), high: args[1].([]int32)}), nil
	case "getLower":
		return f.objects[recv].(*fakeISBounds).low[args[0].(int32)], nil
	case "getUpper":
		return f.objects[recv].(*fakeISBounds).high[args[0].(int32)], nil
	case "getFloats":
		return f.objects[recv].(*fakeBlock).values, nil
	case "name":
		return f.objects[recv].(*fakeRD).names[args[0].(int32)], nil
	}

	ds := f.objects[recv].(*fakeDS)
	switch name {
	case "activate":
		return nil, nil
	case "dim":
		return int32(3), nil
	case "getBounds":
		low, high := ds.src.levels[ds.current].Remote()
		return f.put(&fakeISBounds{low: low, high: high}), nil
	case "getNumAttributes":
		return int32(len(ds.src.attrs)), nil
	case "getRecordDescriptor":
		return f.put(&fakeRD{names: ds.src.attrs}), nil
	case "getNumResolutionLevels":
		return int32(len(ds.src.levels)), nil
	case "coarser":
		if ds.current+1 >= len(ds.src.levels) {
			return false, nil
		}
		ds.current++
		return true, nil
	case "changeResolution":
		n := int(args[0].(int32))
		if n == 0 {
			ds.current = 0
			return true, nil
		}
		next := ds.current + n
		if next < 0 || next >= len(ds.src.levels) {
			return false, nil
		}
		ds.current = next
		return true, nil
	case "subblock":
		isb := f.objects[args[0].(Object)].(*fakeISBounds)
		b := BoundsFromRemote(isb.low, isb.high)
		var values []float32
		for z := b[4]; z <= b[5]; z++ {
			for y := b[2]; y <= b[3]; y++ {
				for x := b[0]; x <= b[1]; x++ {
					for a := range ds.src.attrs {
						values = append(values, ds.src.value(ds.current, x, y, z, a))
					}
				}
			}
		}
		return f.put(&fakeBlock{values: values}), nil
	}
	return nil, &Exception{Class: "java.lang.NoSuchMethodError", Message: name}
}

func (f *fakeBridge) ClassName(obj Object) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ds, ok := f.objects[obj].(*fakeDS); ok && ds.src.multires {
		return MultiresolutionClassName, nil
	}
	return "edu.unh.sdb.datasource.DataSource", nil
}

func (f *fakeBridge) Release(obj Object) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[obj]; !ok {
		return fmt.Errorf("unknown object %d", obj)
	}
	delete(f.objects, obj)
	f.released++
	return nil
}

func sampleValue(l, x, y, z, a int) float32 {
	return float32(l*1000+z*100+y*10+x) + float32(a)/10
}

// threeLevelSource has native levels 8³, 4³ and 2³.
func threeLevelSource() *fakeSource {
	return &fakeSource{
		multires: true,
		levels: []Bounds{
			{0, 7, 0, 7, 0, 7},
			{0, 3, 0, 3, 0, 3},
			{0, 1, 0, 1, 0, 1},
		},
		attrs: []string{"density"},
		value: sampleValue,
	}
}

func newTestRuntime(f *fakeBridge) *Runtime {
	rt, err := NewRuntime(f, Settings{})
	if err != nil {
		panic(err)
	}
	return rt
}

func countCalls(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
