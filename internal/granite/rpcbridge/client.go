package rpcbridge

import (
	"fmt"
	"time"

	"github.com/valyala/gorpc"

	"github.com/granite-tiles/server/internal/granite"
)

// Client is a granite.Bridge backed by a remote Granite host.
type Client struct {
	addr string
	c    *gorpc.Client
	dc   *gorpc.DispatcherClient
}

// Dial connects to the host at addr. Connection errors surface on the
// first call.
func Dial(addr string, timeout time.Duration) *Client {
	c := gorpc.NewTCPClient(addr)
	if timeout > 0 {
		c.RequestTimeout = timeout
	}
	c.Start()
	return &Client{addr: addr, c: c, dc: newDispatcher(nil).NewFuncClient(c)}
}

// Close stops the connection.
func (c *Client) Close() {
	c.c.Stop()
}

func (c *Client) call(name string, req interface{}) (any, error) {
	r, err := asReply(c.dc.Call(name, req))
	if err != nil {
		return nil, fmt.Errorf("granite host %s: %w", c.addr, err)
	}
	return r.result()
}

// Start starts the remote runtime.
func (c *Client) Start(options []string) error {
	_, err := c.call(callStart, &StartRequest{Options: options})
	return err
}

// FindClass resolves a remote class.
func (c *Client) FindClass(name string) (granite.ClassRef, error) {
	v, err := c.call(callFindClass, name)
	if err != nil {
		return 0, err
	}
	ref, ok := v.(granite.ClassRef)
	if !ok {
		return 0, fmt.Errorf("granite host %s: unexpected class ref %T", c.addr, v)
	}
	return ref, nil
}

// Method resolves a remote method.
func (c *Client) Method(class granite.ClassRef, name, signature string, static bool) (granite.MethodRef, error) {
	v, err := c.call(callMethod, &MethodRequest{Class: class, Name: name, Signature: signature, Static: static})
	if err != nil {
		return 0, err
	}
	ref, ok := v.(granite.MethodRef)
	if !ok {
		return 0, fmt.Errorf("granite host %s: unexpected method ref %T", c.addr, v)
	}
	return ref, nil
}

// Invoke calls a remote method.
func (c *Client) Invoke(method granite.MethodRef, recv granite.Object, args ...any) (any, error) {
	req := &InvokeRequest{Method: method, Recv: recv, Args: make([]Value, len(args))}
	for i, a := range args {
		v, err := encodeValue(a)
		if err != nil {
			return nil, err
		}
		req.Args[i] = v
	}
	return c.call(callInvoke, req)
}

// ClassName returns the runtime type name of a remote object.
func (c *Client) ClassName(obj granite.Object) (string, error) {
	v, err := c.call(callClassName, &ObjectRequest{Object: obj})
	if err != nil {
		return "", err
	}
	name, _ := v.(string)
	return name, nil
}

// Release drops a remote object.
func (c *Client) Release(obj granite.Object) error {
	_, err := c.call(callRelease, &ObjectRequest{Object: obj})
	return err
}

var _ granite.Bridge = (*Client)(nil)
