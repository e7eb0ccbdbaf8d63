package granite

import (
	"errors"
	"fmt"
)

var (
	// ErrRuntimeInit is returned by every call on a runtime whose startup failed.
	ErrRuntimeInit = errors.New("granite runtime not initialized")
	// ErrNotOpen is returned when a data source handle has been closed or never opened.
	ErrNotOpen = errors.New("granite data source not open")
	// ErrBlockOutOfRange is returned for block IDs beyond the last level.
	ErrBlockOutOfRange = errors.New("block id out of range")
)

// Exception is a failure raised on the remote side of the bridge.
type Exception struct {
	Class   string
	Message string
}

func (e *Exception) Error() string {
	if e.Message == "" {
		return e.Class
	}
	return e.Class + ": " + e.Message
}

// RemoteError wraps a failed remote call with the operation that raised it.
type RemoteError struct {
	Op  Op
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("granite %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ErrSinkOverflow is returned when a copy produces more tuples than the sink holds.
var ErrSinkOverflow = errors.New("sink has fewer tuples than the requested bounds")
