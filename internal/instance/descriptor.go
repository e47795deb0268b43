// Package instance implements the Module Instance Descriptor:
// immutable identity plus the mutable FSM slot for one (peer, user?, module)
// triple. Only internal/fsm mutates a Descriptor's state; every other
// package reads it through the accessors below.
package instance

import (
	"sync"

	"github.com/fpemud/selfnetd/internal/module"
)

// Host is the narrow capability a Descriptor needs from its Module Host,
// kept here rather than importing internal/host to avoid a cycle
// (internal/host depends on instance.Descriptor, not the reverse).
type Host interface {
	// Dispatch schedules cbName on the instance asynchronously. The host
	// guarantees at most one outstanding Dispatch per Descriptor at a time.
	Dispatch(cbName string, payload []byte)

	// Shutdown tells the host this instance is going away; no further
	// Dispatch calls will be made.
	Shutdown()
}

// Descriptor is the central bookkeeping object for one Module Instance.
type Descriptor struct {
	id module.Identity

	catalog module.CatalogEntry
	host    Host
	tmpDir  string

	mu          sync.Mutex
	state       module.State
	workState   module.WorkState
	failMessage string
	pending     string // name of the in-flight callback, "" if none

	// queue holds events that arrived while pending != "", drained in FIFO
	// order once the outstanding callback completes.
	queue []QueuedEvent
}

// QueuedEvent is an opaque event the FSM re-delivers to itself once the
// current callback for this Descriptor completes.
type QueuedEvent struct {
	Kind    string
	Payload interface{}
}

func New(id module.Identity, catalog module.CatalogEntry, host Host, tmpDir string) *Descriptor {
	return &Descriptor{
		id:      id,
		catalog: catalog,
		host:    host,
		tmpDir:  tmpDir,
		state:   module.StateInit,
	}
}

func (d *Descriptor) Identity() module.Identity   { return d.id }
func (d *Descriptor) Catalog() module.CatalogEntry { return d.catalog }
func (d *Descriptor) Host() Host                   { return d.host }
func (d *Descriptor) TmpDir() string               { return d.tmpDir }

func (d *Descriptor) State() module.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Descriptor) WorkState() module.WorkState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workState
}

func (d *Descriptor) FailMessage() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failMessage
}

func (d *Descriptor) Pending() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// --- mutation, fsm-only below this line ---

// SetState commits a new state and a fail message that is non-empty iff the
// new state is one of the four failure states.
func (d *Descriptor) SetState(s module.State, failMessage string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s.IsFailure() && failMessage == "" {
		panic("instance: failure state requires a non-empty fail message")
	}
	if !s.IsFailure() {
		failMessage = ""
	}
	d.state = s
	d.failMessage = failMessage
}

// SetWorkState records a module's self-reported work state. Returns true if the value actually changed.
func (d *Descriptor) SetWorkState(w module.WorkState) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.workState == w {
		return false
	}
	d.workState = w
	return true
}

// BeginCallback marks cbName as in flight. Callers must have verified
// Pending() == "" first; BeginCallback panics otherwise, since that would
// violate single-flight dispatch.
func (d *Descriptor) BeginCallback(cbName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != "" {
		panic("instance: callback already in flight for " + d.id.String())
	}
	d.pending = cbName
}

// EndCallback clears the in-flight marker.
func (d *Descriptor) EndCallback() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = ""
}

// Enqueue appends an event to this instance's FIFO backlog, to be drained
// once the current callback completes.
func (d *Descriptor) Enqueue(ev QueuedEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, ev)
}

// DequeueAll atomically takes and clears the backlog.
func (d *Descriptor) DequeueAll() []QueuedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queue
	d.queue = nil
	return q
}
