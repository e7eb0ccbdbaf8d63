// Package rpcbridge reaches a Granite runtime running in another process
// over gorpc. Serve exposes any granite.Bridge; Client implements
// granite.Bridge on top of the connection.
package rpcbridge

import (
	"errors"
	"fmt"
	"log"

	"github.com/valyala/gorpc"

	"github.com/granite-tiles/server/internal/granite"
)

// Dispatcher function names.
const (
	callStart     = "Granite.Start"
	callFindClass = "Granite.FindClass"
	callMethod    = "Granite.Method"
	callInvoke    = "Granite.Invoke"
	callClassName = "Granite.ClassName"
	callRelease   = "Granite.Release"
)

// StartRequest carries runtime startup options.
type StartRequest struct {
	Options []string
}

// MethodRequest resolves a method.
type MethodRequest struct {
	Class     granite.ClassRef
	Name      string
	Signature string
	Static    bool
}

// Kind tags the payload of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindObject
	KindInt
	KindBool
	KindString
	KindInts
	KindFloats
	KindClass
	KindMethod
)

// Value is one argument or result. The dispatcher rejects interface
// fields, so every supported type has its own slot.
type Value struct {
	Kind   Kind
	Ref    uint64
	Int    int32
	Bool   bool
	String string
	Ints   []int32
	Floats []float32
}

func encodeValue(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Value{}, nil
	case granite.Object:
		return Value{Kind: KindObject, Ref: uint64(x)}, nil
	case granite.ClassRef:
		return Value{Kind: KindClass, Ref: uint64(x)}, nil
	case granite.MethodRef:
		return Value{Kind: KindMethod, Ref: uint64(x)}, nil
	case int32:
		return Value{Kind: KindInt, Int: x}, nil
	case bool:
		return Value{Kind: KindBool, Bool: x}, nil
	case string:
		return Value{Kind: KindString, String: x}, nil
	case []int32:
		return Value{Kind: KindInts, Ints: x}, nil
	case []float32:
		return Value{Kind: KindFloats, Floats: x}, nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", v)
}

func (v Value) decode() any {
	switch v.Kind {
	case KindObject:
		return granite.Object(v.Ref)
	case KindClass:
		return granite.ClassRef(v.Ref)
	case KindMethod:
		return granite.MethodRef(v.Ref)
	case KindInt:
		return v.Int
	case KindBool:
		return v.Bool
	case KindString:
		return v.String
	case KindInts:
		if v.Ints == nil {
			return []int32{}
		}
		return v.Ints
	case KindFloats:
		if v.Floats == nil {
			return []float32{}
		}
		return v.Floats
	}
	return nil
}

// InvokeRequest calls a resolved method.
type InvokeRequest struct {
	Method granite.MethodRef
	Recv   granite.Object
	Args   []Value
}

// ObjectRequest names a remote object.
type ObjectRequest struct {
	Object granite.Object
}

// Reply is the result of every call. A remote exception travels in
// ExceptionClass and ExceptionMessage so its class survives the wire.
type Reply struct {
	Value            Value
	ExceptionClass   string
	ExceptionMessage string
}

func init() {
	gorpc.RegisterType(&StartRequest{})
	gorpc.RegisterType(&MethodRequest{})
	gorpc.RegisterType(&InvokeRequest{})
	gorpc.RegisterType(&ObjectRequest{})
	gorpc.RegisterType(&Reply{})
	gorpc.SetErrorLogger(log.Printf)
}

func reply(v any, err error) (*Reply, error) {
	if err == nil {
		val, err := encodeValue(v)
		if err != nil {
			return nil, err
		}
		return &Reply{Value: val}, nil
	}
	var ex *granite.Exception
	if errors.As(err, &ex) {
		return &Reply{ExceptionClass: ex.Class, ExceptionMessage: ex.Message}, nil
	}
	return nil, err
}

func (r *Reply) result() (any, error) {
	if r.ExceptionClass != "" {
		return nil, &granite.Exception{Class: r.ExceptionClass, Message: r.ExceptionMessage}
	}
	return r.Value.decode(), nil
}

// host adapts a granite.Bridge to dispatcher functions.
type host struct {
	bridge granite.Bridge
}

func (h *host) start(req *StartRequest) (*Reply, error) {
	return reply(nil, h.bridge.Start(req.Options))
}

func (h *host) findClass(name string) (*Reply, error) {
	ref, err := h.bridge.FindClass(name)
	return reply(ref, err)
}

func (h *host) method(req *MethodRequest) (*Reply, error) {
	ref, err := h.bridge.Method(req.Class, req.Name, req.Signature, req.Static)
	return reply(ref, err)
}

func (h *host) invoke(req *InvokeRequest) (*Reply, error) {
	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		args[i] = a.decode()
	}
	v, err := h.bridge.Invoke(req.Method, req.Recv, args...)
	return reply(v, err)
}

func (h *host) className(req *ObjectRequest) (*Reply, error) {
	name, err := h.bridge.ClassName(req.Object)
	return reply(name, err)
}

func (h *host) release(req *ObjectRequest) (*Reply, error) {
	return reply(nil, h.bridge.Release(req.Object))
}

// newDispatcher registers the bridge functions. Clients build it with a
// nil bridge; only the function signatures matter on their side.
func newDispatcher(bridge granite.Bridge) *gorpc.Dispatcher {
	h := &host{bridge: bridge}
	d := gorpc.NewDispatcher()
	d.AddFunc(callStart, h.start)
	d.AddFunc(callFindClass, h.findClass)
	d.AddFunc(callMethod, h.method)
	d.AddFunc(callInvoke, h.invoke)
	d.AddFunc(callClassName, h.className)
	d.AddFunc(callRelease, h.release)
	return d
}

func asReply(resp interface{}, err error) (*Reply, error) {
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*Reply)
	if !ok {
		return nil, fmt.Errorf("remote runtime returned %T instead of a reply", resp)
	}
	return r, nil
}
