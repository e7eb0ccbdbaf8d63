package granite

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// Settings controls how the remote runtime is started.
type Settings struct {
	// ClassPath is the Granite library location handed to the runtime.
	ClassPath string
	// Args holds extra space separated runtime arguments.
	Args string
}

// Options returns the startup options passed to Bridge.Start.
func (s Settings) Options() []string {
	var opts []string
	if s.ClassPath != "" {
		opts = append(opts, "-Djava.class.path="+strings.ReplaceAll(s.ClassPath, `\`, "/"))
	}
	return append(opts, strings.Fields(s.Args)...)
}

// Runtime owns the connection to a Granite runtime and the pre-resolved
// classes and operations used by data sources.
type Runtime struct {
	bridge  Bridge
	classes [classCount]ClassRef
	methods [opCount]MethodRef
	initErr error

	mu      sync.Mutex
	pending string
}

// NewRuntime starts bridge and resolves every class and operation once.
// A runtime whose startup failed is returned together with the error; all
// of its calls fail with ErrRuntimeInit and LastErrorMessage explains why.
func NewRuntime(bridge Bridge, settings Settings) (*Runtime, error) {
	rt := &Runtime{bridge: bridge}
	if err := rt.init(settings); err != nil {
		rt.initErr = err
		rt.pending = err.Error()
		return rt, fmt.Errorf("%w: %w", ErrRuntimeInit, err)
	}
	return rt, nil
}

func (rt *Runtime) init(settings Settings) error {
	if rt.bridge == nil {
		return fmt.Errorf("no bridge configured")
	}
	if settings.ClassPath != "" {
		if _, err := os.Stat(settings.ClassPath); err != nil {
			return fmt.Errorf("granite library not found: %w", err)
		}
	}
	if err := rt.bridge.Start(settings.Options()); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}
	for _, c := range Classes() {
		ref, err := rt.bridge.FindClass(c.String())
		if err != nil {
			return fmt.Errorf("failed to resolve class %s: %w", c, err)
		}
		rt.classes[c] = ref
	}
	for _, op := range Ops() {
		s := op.Spec()
		ref, err := rt.bridge.Method(rt.classes[s.Class], s.Name, s.Signature, s.Static)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", op, err)
		}
		rt.methods[op] = ref
	}
	return nil
}

var (
	processOnce    sync.Once
	processRuntime *Runtime
	processErr     error
)

// Acquire returns the process-wide runtime, creating it on first use.
// The runtime can only be started once per process; later calls return
// the first result regardless of their arguments.
func Acquire(bridge Bridge, settings Settings) (*Runtime, error) {
	processOnce.Do(func() {
		processRuntime, processErr = NewRuntime(bridge, settings)
		if processErr != nil {
			log.Printf("[Granite] runtime startup failed: %v", processErr)
		}
	})
	return processRuntime, processErr
}

// Usable reports whether startup succeeded.
func (rt *Runtime) Usable() bool {
	return rt != nil && rt.initErr == nil
}

// Bridge returns the underlying bridge.
func (rt *Runtime) Bridge() Bridge { return rt.bridge }

// LastErrorMessage returns the most recent remote failure, or "".
func (rt *Runtime) LastErrorMessage() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.pending
}

// ClearError forgets any pending remote failure. Startup failures stick.
func (rt *Runtime) ClearError() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.initErr != nil {
		rt.pending = rt.initErr.Error()
		return
	}
	rt.pending = ""
}

func (rt *Runtime) invoke(op Op, recv Object, args ...any) (any, error) {
	if !rt.Usable() {
		return nil, ErrRuntimeInit
	}
	v, err := rt.bridge.Invoke(rt.methods[op], recv, args...)
	if err != nil {
		return nil, rt.fail(op, err)
	}
	return v, nil
}

func (rt *Runtime) fail(op Op, err error) error {
	rt.mu.Lock()
	rt.pending = err.Error()
	rt.mu.Unlock()
	return &RemoteError{Op: op, Err: err}
}

func (rt *Runtime) invokeInt(op Op, recv Object, args ...any) (int, error) {
	v, err := rt.invoke(op, recv, args...)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int32)
	if !ok {
		return 0, rt.fail(op, fmt.Errorf("unexpected result %T", v))
	}
	return int(n), nil
}

func (rt *Runtime) invokeBool(op Op, recv Object, args ...any) (bool, error) {
	v, err := rt.invoke(op, recv, args...)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, rt.fail(op, fmt.Errorf("unexpected result %T", v))
	}
	return b, nil
}

func (rt *Runtime) invokeObject(op Op, recv Object, args ...any) (Object, error) {
	v, err := rt.invoke(op, recv, args...)
	if err != nil {
		return 0, err
	}
	obj, ok := v.(Object)
	if !ok {
		return 0, rt.fail(op, fmt.Errorf("unexpected result %T", v))
	}
	if obj == 0 {
		return 0, rt.fail(op, &Exception{Class: "java.lang.NullPointerException"})
	}
	return obj, nil
}

// CreateDataSource creates a remote data source named name for path.
func (rt *Runtime) CreateDataSource(name, path string) (Object, error) {
	return rt.invokeObject(OpDataSourceCreate, 0, name, path)
}

// Activate activates a data source.
func (rt *Runtime) Activate(ds Object) error {
	_, err := rt.invoke(OpDataSourceActivate, ds)
	return err
}

// Dim returns the dimensionality of a data source.
func (rt *Runtime) Dim(ds Object) (int, error) {
	return rt.invokeInt(OpDataSourceDim, ds)
}

// Subblock returns the data block covering bounds.
func (rt *Runtime) Subblock(ds, bounds Object) (Object, error) {
	return rt.invokeObject(OpDataSourceSubblock, ds, bounds)
}

// Bounds returns the bounds of a data collection at its current resolution.
func (rt *Runtime) Bounds(dc Object) (Object, error) {
	return rt.invokeObject(OpDataCollectionGetBounds, dc)
}

// Floats returns the flat float payload of a data collection.
func (rt *Runtime) Floats(dc Object) ([]float32, error) {
	v, err := rt.invoke(OpDataCollectionGetFloats, dc)
	if err != nil {
		return nil, err
	}
	f, ok := v.([]float32)
	if !ok {
		return nil, rt.fail(OpDataCollectionGetFloats, fmt.Errorf("unexpected result %T", v))
	}
	return f, nil
}

// NumAttributes returns the attribute count of a data collection.
func (rt *Runtime) NumAttributes(dc Object) (int, error) {
	return rt.invokeInt(OpDataCollectionGetNumAttributes, dc)
}

// RecordDescriptor returns the record descriptor of a data collection.
func (rt *Runtime) RecordDescriptor(dc Object) (Object, error) {
	return rt.invokeObject(OpDataCollectionGetRecordDescriptor, dc)
}

// ChangeResolution moves a multiresolution source. Zero resets to the
// finest level; other values step relative to the current level.
func (rt *Runtime) ChangeResolution(mr Object, n int) (bool, error) {
	return rt.invokeBool(OpMRDataSourceChangeResolution, mr, int32(n))
}

// Coarser steps a multiresolution source one level coarser if it can.
func (rt *Runtime) Coarser(mr Object) (bool, error) {
	return rt.invokeBool(OpMRDataSourceCoarser, mr)
}

// NumResolutionLevels returns how many levels a multiresolution source has.
func (rt *Runtime) NumResolutionLevels(mr Object) (int, error) {
	return rt.invokeInt(OpMRDataSourceGetNumResolutionLevels, mr)
}

// Lower returns the low bound of axis i of a remote bounds object.
func (rt *Runtime) Lower(b Object, axis int) (int, error) {
	return rt.invokeInt(OpISBoundsGetLower, b, int32(axis))
}

// Upper returns the high bound of axis i of a remote bounds object.
func (rt *Runtime) Upper(b Object, axis int) (int, error) {
	return rt.invokeInt(OpISBoundsGetUpper, b, int32(axis))
}

// NewISBounds constructs a remote bounds object from remote-order corners.
func (rt *Runtime) NewISBounds(low, high []int32) (Object, error) {
	return rt.invokeObject(OpISBoundsNew, 0, low, high)
}

// AttributeName returns the name of attribute i of a record descriptor.
func (rt *Runtime) AttributeName(rd Object, i int) (string, error) {
	v, err := rt.invoke(OpRecordDescriptorName, rd, int32(i))
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", rt.fail(OpRecordDescriptorName, fmt.Errorf("unexpected result %T", v))
	}
	return s, nil
}

// ClassName returns the runtime type name of obj.
func (rt *Runtime) ClassName(obj Object) (string, error) {
	if !rt.Usable() {
		return "", ErrRuntimeInit
	}
	name, err := rt.bridge.ClassName(obj)
	if err != nil {
		rt.mu.Lock()
		rt.pending = err.Error()
		rt.mu.Unlock()
		return "", fmt.Errorf("granite class name: %w", err)
	}
	return name, nil
}

// Release drops a remote reference. Null references are ignored.
func (rt *Runtime) Release(obj Object) {
	if obj == 0 || !rt.Usable() {
		return
	}
	if err := rt.bridge.Release(obj); err != nil {
		log.Printf("[Granite] release %d: %v", obj, err)
	}
}
