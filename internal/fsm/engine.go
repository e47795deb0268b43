// Package fsm applies the module instance lifecycle's transition table to
// one Module Instance Descriptor at a time. It is the only code that calls
// Descriptor.SetState, and the only code that decides when a callback is
// dispatched to a Module Host or a Frame is handed off to the transport.
package fsm

import (
	log "github.com/fpemud/selfnetd/pkg/minilog"

	"github.com/fpemud/selfnetd/internal/instance"
	"github.com/fpemud/selfnetd/internal/module"
)

// EventKind enumerates the external events the Roster Reconciler and the
// manager feed into the engine.
type EventKind int

const (
	EvPeerMatchAppears EventKind = iota
	EvPeerMatchGone
	EvPeerRemoved
	EvRecvData
	EvRecvReject
	EvRecvExcept
)

type Event struct {
	Kind    EventKind
	Payload []byte // only meaningful for EvRecvData
	Message string // only meaningful for EvRecvReject (the peer's REJECT message)
}

// SendFunc hands a frame to the transport (or the loopback) for delivery to
// id's peer counterpart.
type SendFunc func(id module.Identity, frame module.Frame)

// StateChangeFunc is notified whenever a Descriptor may have changed state,
// for an observability surface (e.g. introspect.Hub) to relay onward. It is
// optional and purely advisory: the FSM's own correctness never depends on
// it being set or being called exactly once per actual change.
type StateChangeFunc func(d *instance.Descriptor)

// Engine applies transitions to Descriptors. It is not safe for concurrent
// use from more than one goroutine: the manager that owns it must invoke it
// only from its single cooperative loop.
type Engine struct {
	send       SendFunc
	onStateChg StateChangeFunc
}

func New(send SendFunc) *Engine {
	return &Engine{send: send}
}

// SetStateChangeFunc installs an observer notified after every transition
// Completed/Init applies to a Descriptor.
func (e *Engine) SetStateChangeFunc(f StateChangeFunc) {
	e.onStateChg = f
}

// Init starts a Descriptor's onInit callback. Called exactly once per
// Descriptor, at manager startup.
func (e *Engine) Init(d *instance.Descriptor) {
	e.dispatch(d, "onInit", nil)
}

// Post delivers an external event to d. If a callback is already in flight
// for d, the event is queued and replayed once that callback completes.
func (e *Engine) Post(d *instance.Descriptor, ev Event) {
	if d.Pending() != "" {
		d.Enqueue(instance.QueuedEvent{Kind: "event", Payload: ev})
		return
	}
	e.apply(d, ev)
	if e.onStateChg != nil {
		e.onStateChg(d)
	}
}

// Completed is called by a Module Host when a dispatched callback returns or
// raises. cbName must match d.Pending(); err is nil for a normal return.
func (e *Engine) Completed(d *instance.Descriptor, cbName string, err error) {
	if d.Pending() != cbName {
		panic("fsm: callback completion " + cbName + " does not match pending " + d.Pending())
	}
	d.EndCallback()

	chained := false
	if err == nil {
		chained = e.handleReturn(d, cbName)
	} else {
		chained = e.handleExcept(d, cbName, err)
	}

	if e.onStateChg != nil {
		e.onStateChg(d)
	}

	if !chained {
		e.drain(d)
	}
}

// drain replays events queued while a callback was in flight. If processing
// one of them starts a new callback, the remainder stays queued until that
// callback completes in turn.
func (e *Engine) drain(d *instance.Descriptor) {
	queued := d.DequeueAll()
	for i, qe := range queued {
		if d.Pending() != "" {
			// a callback got started partway through the drain; put the
			// rest back in FIFO order.
			for _, rest := range queued[i:] {
				d.Enqueue(rest)
			}
			return
		}
		ev, _ := qe.Payload.(Event)
		e.apply(d, ev)
		if e.onStateChg != nil {
			e.onStateChg(d)
		}
	}
}

func (e *Engine) apply(d *instance.Descriptor, ev Event) {
	switch ev.Kind {
	case EvPeerMatchAppears:
		e.onPeerMatchAppears(d)
	case EvPeerMatchGone, EvPeerRemoved:
		e.onPeerGone(d)
	case EvRecvData:
		e.onRecvData(d, ev.Payload)
	case EvRecvReject:
		e.onRecvReject(d, ev.Message)
	case EvRecvExcept:
		e.onRecvExcept(d)
	}
}

func (e *Engine) onPeerMatchAppears(d *instance.Descriptor) {
	if d.State() != module.StateInactive {
		// Idempotent for ACTIVE; a no-op for INIT/REJECT/PEER_REJECT/
		// EXCEPT/PEER_EXCEPT, which only peer-removed can move out of.
		return
	}
	d.SetState(module.StateActive, "")
	e.dispatch(d, "onActive", nil)
}

func (e *Engine) onPeerGone(d *instance.Descriptor) {
	switch d.State() {
	case module.StateActive:
		d.SetState(module.StateInactive, "")
		e.dispatch(d, "onInactive", nil)
	case module.StateReject, module.StatePeerReject, module.StatePeerExcept:
		d.SetState(module.StateInactive, "")
	case module.StateExcept:
		// EXCEPT is kept terminal. A recovering variant
		// would SetState(StateInactive, "") here instead.
	default:
		// INIT, INACTIVE: nothing to do.
	}
}

func (e *Engine) onRecvData(d *instance.Descriptor, payload []byte) {
	if d.State() != module.StateActive {
		// Dropped silently, no state change, no callback.
		return
	}
	e.dispatch(d, "onRecv", payload)
}

func (e *Engine) onRecvReject(d *instance.Descriptor, message string) {
	if d.State() != module.StateActive {
		return
	}
	if message == "" {
		message = "peer rejected"
	}
	d.SetState(module.StatePeerReject, message)
	e.dispatch(d, "onInactive", nil)
}

func (e *Engine) onRecvExcept(d *instance.Descriptor) {
	if d.State() != module.StateActive {
		return
	}
	d.SetState(module.StatePeerExcept, "peer raised an exception")
	e.dispatch(d, "onInactive", nil)
}

// handleReturn applies the consequences of cbName completing successfully.
// Returns true if it chained directly into another callback (so drain must
// not run yet).
func (e *Engine) handleReturn(d *instance.Descriptor, cbName string) bool {
	switch cbName {
	case "onInit":
		// INIT -> INACTIVE unconditionally; activation is driven by the
		// self-roster event the manager schedules next.
		d.SetState(module.StateInactive, "")
	case "onInactive":
		if d.State() == module.StateReject {
			// Exactly one REJECT frame per REJECT transition.
			e.send(d.Identity(), module.RejectFrame{Message: d.FailMessage()})
		}
	case "onActive", "onRecv":
		// no state change.
	}
	return false
}

// handleExcept applies the consequences of cbName raising. Returns true if
// it chained directly into another callback.
func (e *Engine) handleExcept(d *instance.Descriptor, cbName string, err error) bool {
	log.Debug("fsm: %v: %s raised: %v", d.Identity(), cbName, err)

	switch cbName {
	case "onInit":
		d.SetState(module.StateExcept, err.Error())
		return false
	case "onActive":
		d.SetState(module.StateExcept, err.Error())
		e.send(d.Identity(), module.ExceptFrame{})
		return false
	case "onRecv":
		if r, ok := module.AsReject(err); ok {
			d.SetState(module.StateReject, r.Message)
			e.dispatch(d, "onInactive", nil)
			return true
		}
		d.SetState(module.StateExcept, err.Error())
		e.send(d.Identity(), module.ExceptFrame{})
		return false
	case "onInactive":
		d.SetState(module.StateExcept, err.Error())
		e.send(d.Identity(), module.ExceptFrame{})
		return false
	}
	return false
}

// Crashed forces d directly into EXCEPT for a host failure observed while no
// callback was in flight (a standalone module's child process dying while
// idle ACTIVE). There is no in-flight callback to complete through Completed,
// and the host is already inert, so onInactive is never dispatched. A no-op
// outside ACTIVE.
func (e *Engine) Crashed(d *instance.Descriptor, err error) {
	if d.State() != module.StateActive {
		return
	}
	msg := "crashed"
	if err != nil {
		msg = err.Error()
	}
	d.SetState(module.StateExcept, msg)
	if e.onStateChg != nil {
		e.onStateChg(d)
	}
}

func (e *Engine) dispatch(d *instance.Descriptor, cbName string, payload []byte) {
	d.BeginCallback(cbName)
	d.Host().Dispatch(cbName, payload)
}
