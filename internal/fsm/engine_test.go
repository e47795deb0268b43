package fsm

import (
	"errors"
	"testing"

	"github.com/fpemud/selfnetd/internal/instance"
	"github.com/fpemud/selfnetd/internal/module"
)

// fakeHost is a synchronous, test-only instance.Host: Dispatch runs the
// registered handler immediately instead of scheduling it, so tests can
// assert on state without a real event loop.
type fakeHost struct {
	onDispatch func(cbName string, payload []byte)
}

func (h *fakeHost) Dispatch(cbName string, payload []byte) {
	if h.onDispatch != nil {
		h.onDispatch(cbName, payload)
	}
}

func (h *fakeHost) Shutdown() {}

func newTestDescriptor(t *testing.T) (*instance.Descriptor, *Engine, *[]module.Frame) {
	t.Helper()

	var sent []module.Frame
	e := New(func(id module.Identity, frame module.Frame) {
		sent = append(sent, frame)
	})

	id := module.Identity{PeerName: "other", UserName: "alice", ModuleName: "chat-server-demo"}
	cat := module.CatalogEntry{Name: id.ModuleName, Scope: module.ScopeUsr}

	var d *instance.Descriptor
	h := &fakeHost{}
	d = instance.New(id, cat, h, t.TempDir())
	return d, e, &sent
}

func TestInitMovesToInactive(t *testing.T) {
	d, e, _ := newTestDescriptor(t)
	d.Host().(*fakeHost).onDispatch = func(cbName string, payload []byte) {
		if cbName != "onInit" {
			t.Fatalf("expected onInit, got %s", cbName)
		}
		e.Completed(d, cbName, nil)
	}

	e.Init(d)

	if d.State() != module.StateInactive {
		t.Fatalf("expected INACTIVE after onInit returns, got %s", d.State())
	}
}

func TestPeerMatchAppearsActivatesOnlyFromInactive(t *testing.T) {
	d, e, _ := newTestDescriptor(t)
	var dispatched []string
	d.Host().(*fakeHost).onDispatch = func(cbName string, payload []byte) {
		dispatched = append(dispatched, cbName)
		e.Completed(d, cbName, nil)
	}

	// from INIT: no-op (must reach INACTIVE first, per the Lifecycle).
	e.Post(d, Event{Kind: EvPeerMatchAppears})
	if d.State() != module.StateInit {
		t.Fatalf("expected INIT to be unaffected, got %s", d.State())
	}

	e.Init(d) // -> INACTIVE
	e.Post(d, Event{Kind: EvPeerMatchAppears})
	if d.State() != module.StateActive {
		t.Fatalf("expected ACTIVE, got %s", d.State())
	}

	// A second match-appears while already ACTIVE is idempotent: a no-op.
	before := len(dispatched)
	e.Post(d, Event{Kind: EvPeerMatchAppears})
	if len(dispatched) != before {
		t.Fatalf("expected no additional dispatch for idempotent match-appears, got %v", dispatched)
	}
}

func TestRecvDataDroppedUnlessActive(t *testing.T) {
	d, e, _ := newTestDescriptor(t)
	called := false
	d.Host().(*fakeHost).onDispatch = func(cbName string, payload []byte) {
		called = true
		e.Completed(d, cbName, nil)
	}

	e.Post(d, Event{Kind: EvRecvData, Payload: []byte("hi")})
	if called {
		t.Fatalf("onRecv must not run while not ACTIVE")
	}
	if d.State() != module.StateInit {
		t.Fatalf("state must not change on a dropped frame, got %s", d.State())
	}
}

func TestRejectFromOnRecvSendsExactlyOneRejectFrame(t *testing.T) {
	d, e, sent := newTestDescriptor(t)
	d.Host().(*fakeHost).onDispatch = func(cbName string, payload []byte) {
		switch cbName {
		case "onInit", "onActive":
			e.Completed(d, cbName, nil)
		case "onRecv":
			e.Completed(d, cbName, module.NewReject("line rejected"))
		case "onInactive":
			e.Completed(d, cbName, nil)
		}
	}

	e.Init(d)
	e.Post(d, Event{Kind: EvPeerMatchAppears})
	e.Post(d, Event{Kind: EvRecvData, Payload: []byte("spam")})

	if d.State() != module.StateReject {
		t.Fatalf("expected REJECT, got %s", d.State())
	}
	if d.FailMessage() != "line rejected" {
		t.Fatalf("expected fail message to carry the reject reason, got %q", d.FailMessage())
	}

	rejects := 0
	for _, f := range *sent {
		if _, ok := f.(module.RejectFrame); ok {
			rejects++
		}
	}
	if rejects != 1 {
		t.Fatalf("expected exactly one RejectFrame, got %d", rejects)
	}
}

func TestOnActiveExceptionSendsExceptFrameAndIsTerminal(t *testing.T) {
	d, e, sent := newTestDescriptor(t)
	d.Host().(*fakeHost).onDispatch = func(cbName string, payload []byte) {
		switch cbName {
		case "onInit":
			e.Completed(d, cbName, nil)
		case "onActive":
			e.Completed(d, cbName, errors.New("boom"))
		}
	}

	e.Init(d)
	e.Post(d, Event{Kind: EvPeerMatchAppears})

	if d.State() != module.StateExcept {
		t.Fatalf("expected EXCEPT, got %s", d.State())
	}
	if d.FailMessage() == "" {
		t.Fatalf("expected a non-empty fail message for EXCEPT")
	}

	found := false
	for _, f := range *sent {
		if _, ok := f.(module.ExceptFrame); ok {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an ExceptFrame to be sent")
	}

	// EXCEPT is terminal — peer removal does not move it back to INACTIVE.
	e.Post(d, Event{Kind: EvPeerRemoved})
	if d.State() != module.StateExcept {
		t.Fatalf("expected EXCEPT to stay terminal across peer removal, got %s", d.State())
	}
}

func TestPeerRejectNotifiesOnInactiveWithoutSendingAFrame(t *testing.T) {
	d, e, sent := newTestDescriptor(t)
	d.Host().(*fakeHost).onDispatch = func(cbName string, payload []byte) {
		e.Completed(d, cbName, nil)
	}

	e.Init(d)
	e.Post(d, Event{Kind: EvPeerMatchAppears})
	e.Post(d, Event{Kind: EvRecvReject, Message: "not interested"})

	if d.State() != module.StatePeerReject {
		t.Fatalf("expected PEER_REJECT, got %s", d.State())
	}
	if d.FailMessage() != "not interested" {
		t.Fatalf("expected the peer's message to be recorded, got %q", d.FailMessage())
	}
	if len(*sent) != 0 {
		t.Fatalf("PEER_REJECT must not echo a frame back, got %v", *sent)
	}

	// peer removal from PEER_REJECT returns to INACTIVE so the pair can retry.
	e.Post(d, Event{Kind: EvPeerRemoved})
	if d.State() != module.StateInactive {
		t.Fatalf("expected INACTIVE after peer removal from PEER_REJECT, got %s", d.State())
	}
}

func TestEventsQueueWhileACallbackIsInFlight(t *testing.T) {
	d, e, _ := newTestDescriptor(t)

	var order []string
	d.Host().(*fakeHost).onDispatch = func(cbName string, payload []byte) {
		order = append(order, cbName)
		if cbName == "onActive" {
			// simulate a second event arriving while onActive is still
			// outstanding: it must queue, not run onRecv re-entrantly.
			e.Post(d, Event{Kind: EvRecvData, Payload: []byte("queued")})
			if d.Pending() == "" {
				t.Fatalf("expected onActive to still be pending while queuing")
			}
		}
		e.Completed(d, cbName, nil)
	}

	e.Init(d)
	e.Post(d, Event{Kind: EvPeerMatchAppears})

	want := []string{"onInit", "onActive", "onRecv"}
	if len(order) != len(want) {
		t.Fatalf("expected dispatch order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected dispatch order %v, got %v", want, order)
		}
	}
}

func TestDrainNotifiesStateChangeObserver(t *testing.T) {
	d, e, _ := newTestDescriptor(t)

	var observed []module.State
	e.SetStateChangeFunc(func(d *instance.Descriptor) { observed = append(observed, d.State()) })

	d.Host().(*fakeHost).onDispatch = func(cbName string, payload []byte) {
		if cbName == "onActive" {
			// Queue a peer-gone event behind onActive; it replays from
			// drain() once onActive completes, and that replay must reach
			// the observer too, not just the Completed call that triggered
			// the drain.
			e.Post(d, Event{Kind: EvPeerMatchGone})
		}
		e.Completed(d, cbName, nil)
	}

	e.Init(d)
	e.Post(d, Event{Kind: EvPeerMatchAppears})

	if d.State() != module.StateInactive {
		t.Fatalf("expected INACTIVE after the queued peer-gone event drains, got %s", d.State())
	}
	if len(observed) == 0 {
		t.Fatalf("expected the state-change observer to fire at least once")
	}
	last := observed[len(observed)-1]
	if last != module.StateInactive {
		t.Fatalf("expected the observer's last notification to reflect INACTIVE, got %s", last)
	}
}

func TestCrashedForcesActiveToExcept(t *testing.T) {
	d, e, _ := newTestDescriptor(t)
	d.Host().(*fakeHost).onDispatch = func(cbName string, payload []byte) {
		e.Completed(d, cbName, nil)
	}

	e.Init(d)
	e.Post(d, Event{Kind: EvPeerMatchAppears})
	if d.State() != module.StateActive {
		t.Fatalf("expected ACTIVE before the crash, got %s", d.State())
	}

	e.Crashed(d, errors.New("subprocess exited: signal: killed"))

	if d.State() != module.StateExcept {
		t.Fatalf("expected EXCEPT after Crashed, got %s", d.State())
	}
	if d.FailMessage() == "" {
		t.Fatalf("expected a non-empty fail message")
	}
}

func TestCrashedIsANoOpOutsideActive(t *testing.T) {
	d, e, _ := newTestDescriptor(t)
	d.Host().(*fakeHost).onDispatch = func(cbName string, payload []byte) {
		e.Completed(d, cbName, nil)
	}

	e.Init(d)
	if d.State() != module.StateInactive {
		t.Fatalf("expected INACTIVE after onInit, got %s", d.State())
	}

	e.Crashed(d, errors.New("subprocess exited"))

	if d.State() != module.StateInactive {
		t.Fatalf("expected Crashed to leave a non-ACTIVE state untouched, got %s", d.State())
	}
}
