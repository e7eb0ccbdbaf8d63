// Package native implements the Granite object model in process, reading
// XFDL data sets straight from disk.
package native

import (
	"fmt"
	"log"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/granite-tiles/server/internal/granite"
)

// Runtime type names reported by ClassName.
const (
	fileDataSourceClass = "edu.unh.sdb.datasource.FileDataSource"
	isBoundsClass       = "edu.unh.sdb.datasource.ISBounds"
	dataBlockClass      = "edu.unh.sdb.datasource.DataBlock"
	recordDescClass     = "edu.unh.sdb.common.RecordDescriptor"
)

// PayloadCache keeps decoded payloads of compressed levels.
type PayloadCache interface {
	GetPayload(key string) ([]float32, bool)
	SetPayload(key string, values []float32)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPayloadCache shares decoded compressed payloads between reads.
func WithPayloadCache(c PayloadCache) Option {
	return func(b *Bridge) { b.payloads = c }
}

type method struct {
	class     string
	name      string
	signature string
	static    bool
}

// Bridge is an in-process granite.Bridge. It is safe for concurrent use.
type Bridge struct {
	mu       sync.Mutex
	started  bool
	options  []string
	classes  map[string]granite.ClassRef
	classIDs []string
	methods  []method
	objects  map[granite.Object]any
	next     granite.Object

	payloads PayloadCache
	decoder  *zstd.Decoder
}

// New creates a bridge.
func New(opts ...Option) (*Bridge, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	b := &Bridge{
		classes: make(map[string]granite.ClassRef),
		objects: make(map[granite.Object]any),
		decoder: decoder,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Close releases the decoder and every live object.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects = make(map[granite.Object]any)
	b.decoder.Close()
}

// Start records the startup options. The native runtime needs none.
func (b *Bridge) Start(options []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return &granite.Exception{Class: "java.lang.IllegalStateException", Message: "runtime already started"}
	}
	b.started = true
	b.options = append([]string(nil), options...)
	log.Printf("[Native] runtime started with %d option(s)", len(options))
	return nil
}

// FindClass resolves one of the known Granite classes.
func (b *Bridge) FindClass(name string) (granite.ClassRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ref, ok := b.classes[name]; ok {
		return ref, nil
	}
	if _, ok := knownClasses[name]; !ok {
		return 0, &granite.Exception{Class: "java.lang.NoClassDefFoundError", Message: name}
	}
	b.classIDs = append(b.classIDs, name)
	ref := granite.ClassRef(len(b.classIDs))
	b.classes[name] = ref
	return ref, nil
}

// Method resolves a method of a resolved class by name and signature.
func (b *Bridge) Method(class granite.ClassRef, name, signature string, static bool) (granite.MethodRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if class == 0 || int(class) > len(b.classIDs) {
		return 0, &granite.Exception{Class: "java.lang.NoClassDefFoundError", Message: fmt.Sprintf("class ref %d", class)}
	}
	m := method{class: b.classIDs[class-1], name: name, signature: signature, static: static}
	if _, ok := handlers[m]; !ok {
		return 0, &granite.Exception{Class: "java.lang.NoSuchMethodError", Message: name + signature}
	}
	b.methods = append(b.methods, m)
	return granite.MethodRef(len(b.methods)), nil
}

// Invoke calls a resolved method.
func (b *Bridge) Invoke(ref granite.MethodRef, recv granite.Object, args ...any) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil, &granite.Exception{Class: "java.lang.IllegalStateException", Message: "runtime not started"}
	}
	if ref == 0 || int(ref) > len(b.methods) {
		return nil, &granite.Exception{Class: "java.lang.NoSuchMethodError", Message: fmt.Sprintf("method ref %d", ref)}
	}
	m := b.methods[ref-1]
	var target any
	if !m.static && m.name != "<init>" {
		obj, ok := b.objects[recv]
		if !ok {
			return nil, nullPointer("receiver")
		}
		target = obj
	}
	return handlers[m](b, target, args)
}

// ClassName returns the runtime type name of obj.
func (b *Bridge) ClassName(obj granite.Object) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch o := b.objects[obj].(type) {
	case *source:
		if o.multires {
			return granite.MultiresolutionClassName, nil
		}
		return fileDataSourceClass, nil
	case *isBounds:
		return isBoundsClass, nil
	case *block:
		return dataBlockClass, nil
	case *recordDescriptor:
		return recordDescClass, nil
	}
	return "", nullPointer("object")
}

// Release drops obj.
func (b *Bridge) Release(obj granite.Object) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[obj]; !ok {
		return fmt.Errorf("unknown object %d", obj)
	}
	delete(b.objects, obj)
	return nil
}

// Live returns the number of objects not yet released.
func (b *Bridge) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// put must be called with mu held.
func (b *Bridge) put(v any) granite.Object {
	b.next++
	b.objects[b.next] = v
	return b.next
}

func nullPointer(what string) error {
	return &granite.Exception{Class: "java.lang.NullPointerException", Message: what}
}

func illegalArgument(format string, args ...any) error {
	return &granite.Exception{Class: "java.lang.IllegalArgumentException", Message: fmt.Sprintf(format, args...)}
}
