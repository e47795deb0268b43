package module

import (
	"errors"
	"fmt"
)

// Context is handed to every module callback. It carries the instance's
// identity, a scoped workspace that is wiped after the callback returns,
// and the two things a module may do without going through its own return
// value: report its work state, and send a frame to its peer counterpart.
type Context struct {
	Identity Identity
	TmpDir   string

	setWorkState func(WorkState)
	send         func(payload []byte)
}

func NewContext(id Identity, tmpDir string, setWorkState func(WorkState), send func(payload []byte)) *Context {
	return &Context{Identity: id, TmpDir: tmpDir, setWorkState: setWorkState, send: send}
}

// SetWorkState reports this instance's aggregate work state.
func (c *Context) SetWorkState(w WorkState) {
	if c.setWorkState != nil {
		c.setWorkState(w)
	}
}

// Send transmits payload to this instance's matching module on the peer.
func (c *Context) Send(payload []byte) {
	if c.send != nil {
		c.send(payload)
	}
}

// Module is the interface every module implementation satisfies. Callbacks
// run with single-flight semantics per instance: the
// host never invokes a second callback for the same identity while one is
// outstanding.
type Module interface {
	// OnInit runs once, before the instance's first state transition out of
	// INIT. A returned error moves the instance straight to EXCEPT.
	OnInit(ctx *Context) error

	// OnActive runs when the instance transitions INACTIVE -> ACTIVE.
	OnActive(ctx *Context) error

	// OnInactive runs whenever an ACTIVE (or REJECT-pending) instance is
	// being torn down by external cause.
	OnInactive(ctx *Context) error

	// OnRecv runs for each inbound DATA frame while the instance is ACTIVE.
	// Returning a *RejectError is a cooperative shutdown;
	// any other error is treated as a module exception.
	OnRecv(ctx *Context, payload []byte) error
}

// RejectError is the designated cooperative-shutdown signal a module raises
// from OnRecv. Any other error from a callback is an exception.
type RejectError struct {
	Message string
}

func (e *RejectError) Error() string {
	return e.Message
}

func NewReject(format string, args ...interface{}) error {
	return &RejectError{Message: fmt.Sprintf(format, args...)}
}

// AsReject reports whether err is (or wraps) a *RejectError.
func AsReject(err error) (*RejectError, bool) {
	var r *RejectError
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
